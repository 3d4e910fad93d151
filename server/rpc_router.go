package server

import "wold/rpc"

// NewRPCRouter builds the client-facing request union's dispatch table
// (spec.md §4.4/§6) for this server. Registered here are the request kinds
// that need nothing beyond the running Server/Scheduler themselves;
// everything keyed by a host-assigned client UUID (login-command,
// submit-command, eval, invoke-verb, and the rest of the per-connection
// kinds) needs a client-UUID→Connection registry that doesn't exist yet —
// ConnectionManager still keys connections by the telnet-path's int64 connID
// (see ConnectionManager.connections). Those kinds are deliberately left
// unregistered: rpc.Router.Dispatch already answers an unregistered kind
// with a structured Failure rather than crashing, which is exactly
// spec.md §6's contract for "unknown kinds" — here it's "known but not yet
// wired," and the wire behavior a caller observes is identical. See
// DESIGN.md for the remaining wiring work.
func (s *Server) NewRPCRouter() *rpc.Router {
	r := rpc.NewRouter()

	r.Register(rpc.ReqPingPong, func(req rpc.ClientRequest) rpc.ReplyResult {
		return rpc.Ok(rpc.DaemonReply{OK: true})
	})

	r.Register(rpc.ReqGetServerFeatures, func(req rpc.ClientRequest) rpc.ReplyResult {
		return rpc.ReplyResult{HostSuccess: &rpc.HostReply{Features: rpc.DefaultServerFeatures()}}
	})

	return r
}
