package rpc

// Client-facing request kinds, per spec.md §4.4's "Client-facing requests"
// list. A host sends one of these, tagged by Kind, over the request/reply
// socket; ClientRequest carries every field any kind might need, the same
// flat-record-with-omitempty convention server/control.go's ControlRequest
// already uses for the operator CLI surface.
const (
	ReqEstablishConnection = "establish-connection"
	ReqLoginCommand        = "login-command"
	ReqReattach            = "reattach"
	ReqAttach              = "attach"
	ReqSubmitCommand       = "submit-command"
	ReqSubmitOutOfBand     = "submit-out-of-band"
	ReqEval                = "eval"
	ReqInvokeVerb          = "invoke-verb"
	ReqListVerbs           = "list-verbs"
	ReqRetrieveVerb        = "retrieve-verb"
	ReqProgramVerb         = "program-verb"
	ReqListProperties      = "list-properties"
	ReqGetProperty         = "get-property"
	ReqSetProperty         = "set-property"
	ReqListObjects         = "list-objects"
	ReqResolveObjref       = "resolve-objref"
	ReqRequestSysProp      = "request-sys-prop"
	ReqDetach              = "detach"
	ReqSetClientAttribute  = "set-client-attribute"
	ReqRequestedInputReply = "requested-input-reply"
	ReqPingPong            = "ping-pong"
)

// Host-facing messages, per spec.md §4.4's "Host-facing messages" list —
// sent by a front-end host to the daemon rather than on behalf of a client.
const (
	ReqRegisterHost      = "register-host"
	ReqDetachHost        = "detach-host"
	ReqGetServerFeatures = "get-server-features"
)

// ClientRequest is the client→daemon request union of spec.md §6: "a
// client→daemon request union tagged by kind." Every field below is used by
// at least one kind; a handler reads only the fields its kind defines and
// ignores the rest, mirroring ControlRequest's shape in server/control.go.
type ClientRequest struct {
	Kind string `msgpack:"kind"`

	ClientID  string `msgpack:"client_id,omitempty"`
	AuthToken string `msgpack:"auth_token,omitempty"`
	Player    int64  `msgpack:"player,omitempty"`

	// establish-connection / attach / reattach
	Hostname     string   `msgpack:"hostname,omitempty"`
	ContentTypes []string `msgpack:"content_types,omitempty"`

	// login-command / submit-command / submit-out-of-band / eval
	Line string   `msgpack:"line,omitempty"`
	Code []string `msgpack:"code,omitempty"`

	// invoke-verb / retrieve-verb / program-verb / list-verbs
	Object   int64    `msgpack:"object,omitempty"`
	Verb     string   `msgpack:"verb,omitempty"`
	Args     []string `msgpack:"args,omitempty"`
	VerbCode []string `msgpack:"verb_code,omitempty"`

	// get-property / set-property / list-properties / resolve-objref / request-sys-prop
	Property string `msgpack:"property,omitempty"`
	Value    []byte `msgpack:"value,omitempty"` // msgpack-encoded types.Value
	ObjRef   string `msgpack:"objref,omitempty"`
	SysProp  string `msgpack:"sys_prop,omitempty"`

	// set-client-attribute
	Attribute string `msgpack:"attribute,omitempty"`

	// requested-input-reply
	RequestID string `msgpack:"request_id,omitempty"`
	Reply     string `msgpack:"reply,omitempty"`

	// register-host
	HostType string `msgpack:"host_type,omitempty"`
	Port     int    `msgpack:"port,omitempty"`
}

// ReplyResult is the daemon's reply to a ClientRequest, per spec.md §6:
// "ReplyResult{Success{daemon-reply-union}|Failure{error-code, message?,
// scheduler-error?}|HostSuccess{host-reply-union}}". Exactly one of
// Success/Failure/HostSuccess is populated; msgpack omits the zero-value
// others so only the relevant branch travels on the wire.
type ReplyResult struct {
	Success     *DaemonReply `msgpack:"success,omitempty"`
	Failure     *ReplyError  `msgpack:"failure,omitempty"`
	HostSuccess *HostReply   `msgpack:"host_success,omitempty"`
}

// DaemonReply carries whatever a successful client-facing request produced.
// Only the fields relevant to the originating Kind are populated.
type DaemonReply struct {
	ClientToken string   `msgpack:"client_token,omitempty"`
	AuthToken   string   `msgpack:"auth_token,omitempty"`
	Player      int64    `msgpack:"player,omitempty"`
	Value       []byte   `msgpack:"value,omitempty"` // msgpack-encoded types.Value
	Lines       []string `msgpack:"lines,omitempty"`
	Names       []string `msgpack:"names,omitempty"`
	Objects     []int64  `msgpack:"objects,omitempty"`
	OK          bool     `msgpack:"ok,omitempty"`
}

// HostReply carries the reply to a host-facing message (register-host,
// get-server-features).
type HostReply struct {
	Features ServerFeatures `msgpack:"features,omitempty"`
}

// ReplyError is the Failure branch of ReplyResult: an error code, an
// optional human-readable message, and an optional scheduler-error detail
// for task-submission kinds (eval, submit-command) whose failure happened
// inside the VM rather than at the RPC layer itself.
type ReplyError struct {
	Code           string `msgpack:"code"`
	Message        string `msgpack:"message,omitempty"`
	SchedulerError string `msgpack:"scheduler_error,omitempty"`
}

// Fail builds a Failure ReplyResult, the branch every unknown-kind or
// rejected request returns — spec.md §6 requires unknown kinds to fail with
// a structured error rather than crash.
func Fail(code, message string) ReplyResult {
	return ReplyResult{Failure: &ReplyError{Code: code, Message: message}}
}

// Ok builds a Success ReplyResult.
func Ok(reply DaemonReply) ReplyResult {
	return ReplyResult{Success: &reply}
}

// ServerFeatures is the capability bitset a host queries via
// get-server-features before connecting, per spec.md §4.4 and grounded in
// original_source/'s crates/daemon feature flags.
type ServerFeatures struct {
	Lambdas        bool `msgpack:"lambdas"`
	Flyweights     bool `msgpack:"flyweights"`
	Symbols        bool `msgpack:"symbols"`
	BinaryLiterals bool `msgpack:"binary_literals"`
}

// DefaultServerFeatures reports the feature set this build actually
// implements.
func DefaultServerFeatures() ServerFeatures {
	return ServerFeatures{
		Lambdas:        true,
		Flyweights:     false,
		Symbols:        true,
		BinaryLiterals: true,
	}
}
