// Package cluster holds the node-identity types shared by discovery and
// the cluster coordinator: spec.md §3 "Server group" and §4.3/§4.4.
package cluster

// Role is the coordinator state machine's current node role: spec.md §4.4.
type Role string

const (
	RoleWorker          Role = "worker"
	RoleManagerCandidate Role = "manager-candidate"
	RoleManager         Role = "manager"
	RoleLeaving         Role = "leaving"
)

// Server is a persisted entry in global/servers: a node that has joined
// the cluster, whether or not it is currently live.
type Server struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	Groups   []string `json:"groups,omitempty"`
}

// NearbyServer is a discovery-map entry: spec.md §4.3.
type NearbyServer struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	LastSeenEpoch int64 `json:"last_seen"`
}

// Worker is the manager's view of a connected worker: spec.md §4.4
// "worker registration".
type Worker struct {
	Hostname     string   `json:"hostname"`
	IP           string   `json:"ip"`
	Groups       []string `json:"groups"`
	LastSeenEpoch int64   `json:"last_seen"`
	ActiveJobs   int      `json:"active_jobs"`
	CPUTotal     float64  `json:"cpu_total"`
	MemTotal     uint64   `json:"mem_total"`
}

// Manager is the content of the advisory global/manager key.
type Manager struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	Epoch    int64  `json:"epoch"`
}
