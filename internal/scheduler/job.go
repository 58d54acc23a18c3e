package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/hookscript/internal/script"
	"github.com/robfig/cron/v3"
)

// ScheduledJob is a read-only view of one entry in the job table
type ScheduledJob struct {
	ScriptID    script.ScriptID
	ScriptName  string
	Expression  string
	NextRun     time.Time
	LastRun     *time.Time
	Running     bool
	LastOutcome script.OutcomeKind
}

// job is the mutable table entry. The table lock guards membership; mu
// guards the fields below it.
type job struct {
	scriptID script.ScriptID

	mu          sync.Mutex
	scriptName  string
	expression  string
	schedule    cron.Schedule
	nextRun     time.Time
	lastRun     *time.Time
	running     bool
	lastOutcome script.OutcomeKind
}

// cronParser accepts both 5-field and 6-field (with seconds) specs plus
// descriptors such as @hourly and @every 5m
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseExpression validates a cron expression
func ParseExpression(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// claim marks the job running if it is due and idle
func (j *job) claim(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running || j.nextRun.After(now) {
		return false
	}
	j.running = true
	return true
}

// update applies a reloaded definition. A changed expression reschedules
// the job; the running flag is kept so an in-flight run is not duplicated.
func (j *job) update(name, expression string, schedule cron.Schedule, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.scriptName = name
	if expression != j.expression {
		j.expression = expression
		j.schedule = schedule
		j.nextRun = schedule.Next(now)
	}
}

func (j *job) name() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.scriptName
}

// release undoes a claim that never dispatched
func (j *job) release() {
	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// reschedule marks the job idle for a run that never started; lastRun and
// lastOutcome are left as they were
func (j *job) reschedule(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextRun = j.schedule.Next(now)
	j.running = false
}

// finish records a completed dispatch and schedules the next run from now
func (j *job) finish(ranAt, now time.Time, outcome script.OutcomeKind) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastRun = &ranAt
	j.nextRun = j.schedule.Next(now)
	j.running = false
	j.lastOutcome = outcome
}

func (j *job) snapshot() ScheduledJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := ScheduledJob{
		ScriptID:    j.scriptID,
		ScriptName:  j.scriptName,
		Expression:  j.expression,
		NextRun:     j.nextRun,
		Running:     j.running,
		LastOutcome: j.lastOutcome,
	}
	if j.lastRun != nil {
		lastRun := *j.lastRun
		out.LastRun = &lastRun
	}
	return out
}
