// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// ContainerState is the supervisor's view of the managed container.
// There is exactly one container per process, so exactly one state value.
type ContainerState string

const (
	StateStopped    ContainerState = "stopped"
	StateStarting   ContainerState = "starting"
	StateRunning    ContainerState = "running"
	StateFreezing   ContainerState = "freezing"
	StateFrozen     ContainerState = "frozen"
	StateStopping   ContainerState = "stopping"
	StateRestarting ContainerState = "restarting"
	StateFailed     ContainerState = "failed"
)

// Action identifies a container command for audit logging.
type Action string

const (
	ActionStart    Action = "start"
	ActionStop     Action = "stop"
	ActionFreeze   Action = "freeze"
	ActionUnfreeze Action = "unfreeze"
	ActionRestart  Action = "restart"
)

// Preference keys seeded at first run.
const (
	PrefAutoStart       = "auto_start"
	PrefAutoUpdate      = "auto_update"
	PrefNotifications   = "notification_enabled"
	PrefLoggingInterval = "resource_logging_interval"
	PrefLastUpdateCheck = "last_update_check"
	PrefLastBackupTime  = "last_backup_time"
)

// DefaultPreferences returns the values written when a key has never been
// set. Reading an absent key falls back to these, never to an error.
func DefaultPreferences() map[string]string {
	return map[string]string{
		PrefAutoStart:       "false",
		PrefAutoUpdate:      "true",
		PrefNotifications:   "true",
		PrefLoggingInterval: "300",
		PrefLastUpdateCheck: "0",
		PrefLastBackupTime:  "0",
	}
}

// AppEntry is one Android app known to the visibility registry.
// PackageName is the stable identity across visibility toggles.
type AppEntry struct {
	PackageName string
	AppName     string
	Visible     bool
	Stale       bool
	MissCount   int
	LastUsed    *time.Time
	InstallDate time.Time
}

// ObservedApp is one app reported by a live container scan.
type ObservedApp struct {
	PackageName string
	AppName     string
}

// ResourceSample is one resource monitor tick while the container runs.
type ResourceSample struct {
	Timestamp    time.Time
	CPUUsage     float64 // percent of total machine CPU, [0,100]
	RAMUsage     float64 // bytes
	StorageUsage float64 // bytes
}

// LogStatus records whether a command attempt succeeded.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailure LogStatus = "failure"
)

// ContainerLogEntry is one row of the append-only audit trail. Every
// command attempt writes exactly one entry, success or failure.
type ContainerLogEntry struct {
	Timestamp time.Time
	Action    Action
	Status    LogStatus
	Message   string
}

// transitions maps each state to the commands legal from it and the
// transient state each command enters. Anything absent is rejected.
var transitions = map[ContainerState]map[Action]ContainerState{
	StateStopped: {ActionStart: StateStarting},
	StateFailed:  {ActionStart: StateStarting},
	StateRunning: {
		ActionStop:    StateStopping,
		ActionFreeze:  StateFreezing,
		ActionRestart: StateRestarting,
	},
	StateFrozen: {ActionUnfreeze: StateStarting},
}

// NextState returns the transient state entered when cmd is issued from
// state, or false if the move is not in the transition table.
func NextState(state ContainerState, cmd Action) (ContainerState, bool) {
	next, ok := transitions[state][cmd]
	return next, ok
}

// SettledState returns the state reached from a transient state once the
// external command resolves. A failed command always settles in Failed.
func SettledState(transient ContainerState, ok bool) ContainerState {
	if !ok {
		return StateFailed
	}
	switch transient {
	case StateStarting:
		return StateRunning
	case StateFreezing:
		return StateFrozen
	case StateStopping:
		return StateStopped
	case StateRestarting:
		return StateStarting
	default:
		return transient
	}
}

// IsNoOp reports whether cmd is already satisfied in state, in which case
// the supervisor answers success without touching the executor.
func IsNoOp(state ContainerState, cmd Action) bool {
	switch cmd {
	case ActionStart:
		return state == StateRunning || state == StateStarting
	case ActionStop:
		return state == StateStopped || state == StateStopping
	default:
		// Freeze/Unfreeze/Restart are only legal per the transition
		// table; repeating them is rejected, not absorbed.
		return false
	}
}
