package membership

// HealthReporter is optionally implemented by a Membership that can report
// its local health score. Lower is better; -1 means not running.
type HealthReporter interface {
    HealthScore() int
}
