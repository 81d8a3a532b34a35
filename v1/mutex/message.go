package mutex

// DefaultName is the broker name used when WithName is not given. The name
// prefixes every bus topic, so independent brokers can share one bus.
const DefaultName = "loom-mutex"

const (
	actionLock    = "lock"
	actionCancel  = "cancel"
	actionRelease = "release"
	actionExists  = "exists"
	actionWaiting = "waiting"

	replyResolveLock    = "resolve_lock"
	replyRejectLock     = "reject_lock"
	replyRejectCancel   = "reject_cancel"
	replyResolveExists  = "resolve_exists"
	replyResolveWaiting = "resolve_waiting"
)

// request is a client-to-broker frame.
type request struct {
	Action   string `json:"action"`
	ID       string `json:"id,omitempty"`
	Key      string `json:"key"`
	Priority bool   `json:"priority,omitempty"`
}

// reply is a broker-to-client frame, published on the requester's reply
// topic and correlated by request id.
type reply struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  int    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func reqTopic(name string) string {
	return name + ":req"
}

func repTopic(name, id string) string {
	return name + ":rep:" + id
}

// Option configures brokers, handles and one-shot queries.
type Option func(*config)

type config struct {
	name string
}

// WithName selects the broker name. Handles and queries must use the same
// name as the broker they target.
func WithName(name string) Option {
	return func(cfg *config) {
		if name != "" {
			cfg.name = name
		}
	}
}

func newConfig(opts []Option) config {
	cfg := config{name: DefaultName}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
