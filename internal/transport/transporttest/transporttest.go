// Package transporttest runs MCP servers inside the test process, wired
// to a transport.Process through in-memory pipes.
package transporttest

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"mcpchat/internal/transport"
)

// Launcher returns a launcher that serves srv over io.Pipe pairs. Each
// Launch starts a fresh server loop; Kill ends it and closes the pipes.
func Launcher(srv *server.MCPServer) transport.Launcher {
	return transport.LauncherFunc(func(ctx context.Context) (*transport.Process, error) {
		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		errR, errW := io.Pipe()

		serveCtx, cancel := context.WithCancel(context.Background())
		var proc *transport.Process
		proc = transport.NewProcess(inW, outR, errR, func() error {
			cancel()
			inR.Close()
			return nil
		})

		go func() {
			err := server.NewStdioServer(srv).Listen(serveCtx, inR, outW)
			outW.Close()
			errW.Close()
			if serveCtx.Err() != nil {
				err = nil
			}
			proc.Exit(err)
		}()
		return proc, nil
	})
}

// Dead returns a launcher whose process exits immediately without
// speaking the protocol.
func Dead() transport.Launcher {
	return transport.LauncherFunc(func(ctx context.Context) (*transport.Process, error) {
		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		proc := transport.NewProcess(inW, outR, errR, func() error { return nil })
		inR.Close()
		outW.Close()
		errW.Close()
		proc.Exit(io.ErrUnexpectedEOF)
		return proc, nil
	})
}

// Silent returns a launcher whose process stays up but never answers.
func Silent() transport.Launcher {
	return transport.LauncherFunc(func(ctx context.Context) (*transport.Process, error) {
		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		go io.Copy(io.Discard, inR)
		var proc *transport.Process
		proc = transport.NewProcess(inW, outR, errR, func() error {
			inR.Close()
			outW.Close()
			errW.Close()
			proc.Exit(nil)
			return nil
		})
		return proc, nil
	})
}
