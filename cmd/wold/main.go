// Command wold is the server daemon and operator CLI: `wold serve` runs the
// world, and `wold checkpoint`/`shutdown`/`listen`/`unlisten` talk to a
// running instance over its local control socket.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"wold/config"
	"wold/rpc"
	"wold/server"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "wold",
		Short: "wold runs and operates a MOO-style object database server",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(
		newServeCommand(),
		newControlCommand("checkpoint", "Request an immediate checkpoint", server.ControlRequest{Op: "checkpoint"}),
		newControlCommand("shutdown", "Request graceful shutdown", server.ControlRequest{Op: "shutdown"}),
		newListenCommand(),
		newUnlistenCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var (
		dbPath                string
		port                  int
		checkpointIntervalSec int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the world and start serving connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}
			if port != 0 {
				cfg.Listen.Port = port
			}
			if checkpointIntervalSec != 0 {
				cfg.Database.CheckpointIntervalSeconds = checkpointIntervalSec
			}

			srv, err := server.NewServer(cfg.Database.Path, cfg.Listen.Port, cfg.Database.CheckpointIntervalSeconds)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			if err := srv.LoadDatabase(); err != nil {
				return fmt.Errorf("load database: %w", err)
			}

			if key, err := cfg.LoadSigningKey(); err != nil {
				return err
			} else if key != nil {
				srv.SetTokenIssuer(rpc.NewTokenIssuer(key, cfg.TokenTTL()))
			}

			if cfg.RPC.NATSURL != "" {
				bus, err := rpc.Connect(cfg.RPC.NATSURL)
				if err != nil {
					log.Printf("rpc bus unavailable, continuing without it: %v", err)
				} else {
					srv.SetBus(bus)
				}
			}

			if cfg.Database.EventLogDir != "" {
				elog, err := srv.OpenEventLog(cfg.Database.EventLogDir)
				if err != nil {
					return fmt.Errorf("open event log: %w", err)
				}
				defer elog.Close()
			}

			if cfg.Control.SocketPath != "" {
				go func() {
					if err := srv.ServeControlSocket(cfg.Control.SocketPath); err != nil {
						log.Printf("control socket stopped: %v", err)
					}
				}()
			}

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database file path (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	cmd.Flags().IntVar(&checkpointIntervalSec, "checkpoint-interval", 0, "checkpoint interval in seconds (overrides config)")

	return cmd
}

// newListenCommand and newUnlistenCommand take an object and port so the
// control protocol's existing Obj/Port fields have real callers, even though
// the daemon side currently always replies "not supported" (see
// server.dispatchControl) until the RPC fabric's multi-listener surface
// lands.
func newListenCommand() *cobra.Command {
	var obj int64
	var port int
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Ask the daemon to start listening on an additional port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(server.ControlRequest{Op: "listen", Obj: obj, Port: port})
		},
	}
	cmd.Flags().Int64Var(&obj, "object", 0, "connection handler object")
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on")
	return cmd
}

func newUnlistenCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "unlisten",
		Short: "Ask the daemon to stop listening on a port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(server.ControlRequest{Op: "unlisten", Port: port})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port to stop listening on")
	return cmd
}

func newControlCommand(use, short string, req server.ControlRequest) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(req)
		},
	}
}

func sendControl(req server.ControlRequest) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	conn, err := net.Dial("unix", cfg.Control.SocketPath)
	if err != nil {
		return fmt.Errorf("connect to control socket %s: %w", cfg.Control.SocketPath, err)
	}
	defer conn.Close()

	if err := msgpack.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	var reply server.ControlReply
	if err := msgpack.NewDecoder(conn).Decode(&reply); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}

	if !reply.OK {
		return fmt.Errorf("%s", reply.Message)
	}
	fmt.Println(reply.Message)
	return nil
}
