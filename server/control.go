package server

import (
	"net"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// ControlRequest is a msgpack-encoded length-prefixed operator command sent
// over the control socket by the cmd/wold CLI (checkpoint, shutdown, listen,
// unlisten). This is the host-to-daemon CLI surface of the RPC fabric scoped
// down to a local Unix socket rather than the full daemon/host protocol.
type ControlRequest struct {
	Op      string `msgpack:"op"`
	Obj     int64  `msgpack:"obj,omitempty"`
	Port    int    `msgpack:"port,omitempty"`
	Message string `msgpack:"message,omitempty"`
}

// ControlReply is the response written back on the same connection.
type ControlReply struct {
	OK      bool   `msgpack:"ok"`
	Message string `msgpack:"message"`
}

// RequestCheckpoint asks the running server to checkpoint on its own
// goroutine (the checkpointChan consumer in mainLoop), matching how the
// periodic checkpoint ticker already triggers it.
func (s *Server) RequestCheckpoint() {
	select {
	case s.checkpointChan <- struct{}{}:
	case <-s.ctx.Done():
	}
}

// ServeControlSocket listens on a Unix domain socket at path and serves
// ControlRequest/ControlReply pairs until the server shuts down. Intended to
// be started as its own goroutine alongside Start().
func (s *Server) ServeControlSocket(path string) error {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	go func() {
		<-s.ctx.Done()
		ln.Close()
		os.Remove(path)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				log.Printf("control socket accept error: %v", err)
				return err
			}
		}
		go s.handleControlConn(conn)
	}
}

func (s *Server) handleControlConn(conn net.Conn) {
	defer conn.Close()

	dec := msgpack.NewDecoder(conn)
	var req ControlRequest
	if err := dec.Decode(&req); err != nil {
		return
	}

	reply := s.dispatchControl(req)

	enc := msgpack.NewEncoder(conn)
	_ = enc.Encode(reply)
}

func (s *Server) dispatchControl(req ControlRequest) ControlReply {
	switch req.Op {
	case "checkpoint":
		s.RequestCheckpoint()
		return ControlReply{OK: true, Message: "checkpoint requested"}
	case "shutdown":
		s.Shutdown()
		return ControlReply{OK: true, Message: "shutdown initiated"}
	case "listen", "unlisten":
		// This build's connection manager binds a single listener at
		// startup (see ConnectionManager.Listen); dynamic multi-listener
		// add/remove is part of the RPC fabric host surface and is not
		// wired up yet.
		return ControlReply{OK: false, Message: "dynamic listeners not supported by this build"}
	default:
		return ControlReply{OK: false, Message: "unknown op: " + req.Op}
	}
}
