// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

// Program scrutiny is a command-line utility for talking to a
// Scrutiny debug server.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/pelletier/go-toml/v2"
	scrutiny "github.com/scrutinydebugger/scrutiny-go"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

var flags struct {
	Config  string        `flag:"config,Path of a TOML config file"`
	Server  string        `flag:"server,Server address (host:port)"`
	WS      string        `flag:"ws,Server websocket URL (overrides --server)"`
	Timeout time.Duration `flag:"timeout,default=4s,Request timeout"`
}

// config mirrors the flags that can come from a TOML file. Flags set
// on the command line win.
type config struct {
	Server  string `toml:"server"`
	WS      string `toml:"ws"`
	Timeout string `toml:"timeout"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for talking to a Scrutiny debug server.

The server address comes from --server or --ws, or from the TOML
config file named by --config (keys "server", "ws" and "timeout").`,

		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "status",
				Help: "Print the current server status.",
				Run:  command.Adapt(runStatus),
			},
			{
				Name:  "list",
				Usage: "[pattern...]",
				Help:  "List the elements available for watching.",
				Run:   command.Adapt(runList),
			},
			{
				Name:     "watch",
				Usage:    "<path>...",
				Help:     "Watch elements and print their values as they change.",
				SetFlags: command.Flags(flax.MustBind, &watchFlags),
				Run:      command.Adapt(runWatch),
			},
			{
				Name:  "write",
				Usage: "<path> <value>",
				Help: `Write a value to an element.

The value parses as a bool, an integer or a float in that order, and
falls back to a plain string.`,
				Run: command.Adapt(runWrite),
			},
			{
				Name:  "listen",
				Usage: "[duration]",
				Help:  "Print client events as they occur (default 30s).",
				Run:   command.Adapt(runListen),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// dial connects a client according to the flags and config file.
func dial(opts scrutiny.Options) (*scrutiny.Client, error) {
	server, ws := flags.Server, flags.WS
	if flags.Config != "" {
		data, err := os.ReadFile(flags.Config)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		var cfg config
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
		if server == "" {
			server = cfg.Server
		}
		if ws == "" {
			ws = cfg.WS
		}
		if cfg.Timeout != "" && opts.Timeout == 0 {
			d, err := time.ParseDuration(cfg.Timeout)
			if err != nil {
				return nil, fmt.Errorf("config timeout: %w", err)
			}
			opts.Timeout = d
		}
	}
	if opts.Timeout == 0 {
		opts.Timeout = flags.Timeout
	}
	c := scrutiny.NewClient(opts)

	if ws != "" {
		ch, err := wire.DialWebSocket(ws)
		if err != nil {
			return nil, err
		}
		if err := c.ConnectChannel(ch); err != nil {
			return nil, err
		}
		return c, nil
	}
	if server == "" {
		return nil, fmt.Errorf("no server address (use --server or --ws)")
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid server port: %w", err)
	}
	if err := c.Connect(host, port); err != nil {
		return nil, err
	}
	return c, nil
}

func runStatus(env *command.Env) error {
	c, err := dial(scrutiny.Options{})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	info := c.LatestServerStatus()
	if info == nil {
		return fmt.Errorf("no status received")
	}
	fmt.Printf("device:      %v\n", info.DeviceCommState)
	if info.DeviceSessionID != "" {
		fmt.Printf("session:     %s\n", info.DeviceSessionID)
	}
	if info.SFDFirmwareID != "" {
		fmt.Printf("firmware:    %s\n", info.SFDFirmwareID)
	}
	fmt.Printf("datalogging: %v\n", info.Datalogging.State)
	if info.Datalogging.CompletionRatio >= 0 {
		fmt.Printf("acquisition: %d%%\n", int(info.Datalogging.CompletionRatio*100))
	}
	fmt.Printf("link:        %s (operational=%v)\n", info.DeviceLink.Type, info.DeviceLink.Operational)
	return nil
}

func runList(env *command.Env, patterns ...string) error {
	c, err := dial(scrutiny.Options{})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	req, err := c.DownloadWatchableList(nil, patterns)
	if err != nil {
		return err
	}
	if err := req.Wait(flags.Timeout); err != nil {
		return err
	}
	content, err := req.Get()
	if err != nil {
		return err
	}
	for _, entries := range content {
		for _, e := range entries {
			fmt.Printf("%-6s %-10s %s\n", e.Type, e.DataType, e.Path)
		}
	}
	return nil
}

var watchFlags struct {
	For time.Duration `flag:"for,default=30s,How long to watch before exiting"`
}

func runWatch(env *command.Env, paths ...string) error {
	if len(paths) == 0 {
		return env.Usagef("at least one path is required")
	}
	c, err := dial(scrutiny.Options{})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	handles := make([]*scrutiny.Handle, len(paths))
	for i, path := range paths {
		h, err := c.Watch(path)
		if err != nil {
			return err
		}
		handles[i] = h
	}
	deadline := time.Now().Add(watchFlags.For)
	counts := make([]uint64, len(handles))
	for time.Now().Before(deadline) {
		for i, h := range handles {
			if err := h.WaitUpdate(counts[i], time.Until(deadline)); err != nil {
				return err
			}
			counts[i] = h.UpdateCount()
			v, err := h.Value()
			if err != nil {
				return err
			}
			fmt.Printf("%s %s = %v\n", time.Now().Format(time.TimeOnly), h.Path(), v)
		}
	}
	return nil
}

func runWrite(env *command.Env, path, value string) error {
	c, err := dial(scrutiny.Options{})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	h, err := c.Watch(path)
	if err != nil {
		return err
	}
	if _, err := h.Write(parseValue(value)); err != nil {
		return err
	}
	fmt.Printf("wrote %s = %v\n", path, parseValue(value))
	return nil
}

// parseValue maps a command-line argument to the narrowest value type
// the device protocol accepts.
func parseValue(s string) any {
	if v, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return v
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return s
}

func runListen(env *command.Env, rest ...string) error {
	dur := 30 * time.Second
	if len(rest) > 0 {
		d, err := time.ParseDuration(rest[0])
		if err != nil {
			return env.Usagef("invalid duration: %v", err)
		}
		dur = d
	}
	c, err := dial(scrutiny.Options{EnabledEvents: scrutiny.EventAll})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	deadline := time.Now().Add(dur)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		evt := c.ReadEvent(remaining)
		if evt == nil {
			return nil
		}
		fmt.Printf("%s %v\n", time.Now().Format(time.TimeOnly), evt)
	}
}
