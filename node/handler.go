//go:build linux
// +build linux

package node

import (
	"errors"
	"io"

	"github.com/fzft/go-prefork/log"
	"go.uber.org/zap"
)

// Handler runs the application protocol over connections handed to a
// worker. Both methods run on the worker's loop goroutine and must not
// block.
type Handler interface {
	// Open is called once after the connection is registered. An error
	// closes the connection.
	Open(conn *Conn) error
	// Readable is called on read readiness. Returning false closes the
	// connection.
	Readable(conn *Conn) bool
}

// CloseHandler is implemented by handlers that want to see the close.
type CloseHandler interface {
	Closed(conn *Conn)
}

// EchoHandler writes back whatever it reads.
type EchoHandler struct{}

func (EchoHandler) Open(conn *Conn) error {
	log.Logger.Debug("echo open", zap.Uint64("conn", conn.ID()), zap.String("peer", conn.Addr()))
	return nil
}

func (EchoHandler) Readable(conn *Conn) bool {
	data, err := conn.Read()
	if len(data) > 0 {
		if werr := conn.Write(data); werr != nil {
			log.Logger.Debug("echo write failed", zap.Uint64("conn", conn.ID()), zap.Error(werr))
			return false
		}
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Logger.Debug("echo read failed", zap.Uint64("conn", conn.ID()), zap.Error(err))
		}
		return false
	}
	return true
}
