package engine

// State worker 生命周期状态
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateError   State = "ERROR"
)

// 策略日志中的 action
const (
	ActionStart           = "START"
	ActionStop            = "STOP"
	ActionPause           = "PAUSE"
	ActionResume          = "RESUME"
	ActionSignal          = "SIGNAL_GENERATED"
	ActionRiskRejected    = "RISK_REJECTED"
	ActionPositionOpened  = "POSITION_OPENED"
	ActionPositionClosed  = "POSITION_CLOSED"
	ActionCloseFailed     = "CLOSE_FAILED"
	ActionUpdateError     = "UPDATE_ERROR"
	ActionStallDetected   = "STALL_DETECTED"
	ActionEmergencyStop   = "EMERGENCY_STOP"
	ActionProtectiveClose = "PROTECTIVE_CLOSE"
)
