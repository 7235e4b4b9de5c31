package chain

import (
	"time"

	"github.com/kmiyazaki/taskchain/internal/task"
)

// Progress is a point-in-time snapshot of how far the chain has advanced
// through its template list.
type Progress struct {
	Total           int                 `yaml:"total" json:"total"`
	Position        int                 `yaml:"position" json:"position"`
	Percent         float64             `yaml:"percent" json:"percent"`
	Status          task.Status         `yaml:"status" json:"status"`
	Counts          map[task.Status]int `yaml:"counts" json:"counts"`
	DurationSeconds float64             `yaml:"duration_seconds" json:"duration_seconds"`
}

// TaskMetric is the per-task row of a performance report.
type TaskMetric struct {
	Position        int         `yaml:"position" json:"position"`
	Name            string      `yaml:"name" json:"name"`
	Status          task.Status `yaml:"status" json:"status"`
	Attempts        int         `yaml:"attempts" json:"attempts"`
	DurationSeconds float64     `yaml:"duration_seconds" json:"duration_seconds"`
	Start           time.Time   `yaml:"start,omitempty" json:"start,omitempty"`
	End             time.Time   `yaml:"end,omitempty" json:"end,omitempty"`
}

// Report aggregates per-task timing after (or during) a run.
type Report struct {
	Chain           string              `yaml:"chain" json:"chain"`
	ID              string              `yaml:"id" json:"id"`
	Tasks           []TaskMetric        `yaml:"tasks" json:"tasks"`
	Counts          map[task.Status]int `yaml:"counts" json:"counts"`
	FirstStart      time.Time           `yaml:"first_start,omitempty" json:"first_start,omitempty"`
	LastEnd         time.Time           `yaml:"last_end,omitempty" json:"last_end,omitempty"`
	DurationSeconds float64             `yaml:"duration_seconds" json:"duration_seconds"`
}

// Progress reports completion as cursor over template count. The template
// list can grow at runtime, so percent may move backwards after insertions.
func (c *Chain) Progress() Progress {
	c.mu.Lock()
	total := len(c.templates)
	position := c.position
	status := c.status
	start := c.start
	end := c.end
	c.mu.Unlock()

	p := Progress{
		Total:    total,
		Position: position,
		Status:   status,
		Counts:   c.statusCounts(),
	}
	if total > 0 {
		p.Percent = float64(position) / float64(total) * 100
	}
	if !start.IsZero() {
		stop := end
		if stop.IsZero() {
			stop = time.Now().UTC()
		}
		p.DurationSeconds = stop.Sub(start).Seconds()
	}
	return p
}

// PerformanceReport collects per-task timing, attempts and status.
func (c *Chain) PerformanceReport() Report {
	tasks := c.Tasks()
	report := Report{
		Chain:  c.name,
		ID:     c.id,
		Tasks:  make([]TaskMetric, 0, len(tasks)),
		Counts: c.statusCounts(),
	}
	for i, t := range tasks {
		metric := TaskMetric{
			Position: i,
			Name:     t.Name(),
			Status:   t.Status(),
			Attempts: t.Attempts(),
			Start:    t.StartTime(),
			End:      t.EndTime(),
		}
		if d := t.Duration(); d >= 0 {
			metric.DurationSeconds = d
		}
		report.Tasks = append(report.Tasks, metric)

		if !metric.Start.IsZero() && (report.FirstStart.IsZero() || metric.Start.Before(report.FirstStart)) {
			report.FirstStart = metric.Start
		}
		if metric.End.After(report.LastEnd) {
			report.LastEnd = metric.End
		}
	}
	if !report.FirstStart.IsZero() && !report.LastEnd.IsZero() {
		report.DurationSeconds = report.LastEnd.Sub(report.FirstStart).Seconds()
	}
	return report
}

func (c *Chain) statusCounts() map[task.Status]int {
	counts := map[task.Status]int{}
	for _, t := range c.Tasks() {
		counts[t.Status()]++
	}
	return counts
}
