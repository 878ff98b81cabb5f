package dispatch

// Dispatch methods accepted by the action endpoints.
const (
	MethodStartAction   = "start"
	MethodCancelAction  = "cancel"
	MethodSuspendAction = "suspend"
	MethodResumeAction  = "resume"
)

// ActionRequest is the body of the action endpoints. An empty ActionID on
// the start endpoint asks the engine to claim any ready action.
type ActionRequest struct {
	ActionID string `json:"action_id,omitempty"`
}

// RegisterClusterRequest is the body of POST /v1/health/registry.
type RegisterClusterRequest struct {
	ClusterID       string                 `json:"cluster_id"`
	CheckType       string                 `json:"check_type"`
	IntervalSeconds int64                  `json:"interval_seconds"`
	Params          map[string]interface{} `json:"params,omitempty"`
}

// ClusterRequest names a cluster for the health enable/disable endpoints.
type ClusterRequest struct {
	ClusterID string `json:"cluster_id"`
}

// ListeningResponse is the body of GET /v1/listening.
type ListeningResponse struct {
	EngineID  string `json:"engine_id"`
	Listening bool   `json:"listening"`
}

// ErrorResponse carries a request failure back to the caller.
type ErrorResponse struct {
	Error string `json:"error"`
}
