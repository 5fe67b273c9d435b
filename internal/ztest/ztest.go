// Package ztest provides store clients backed by the in-memory stub server
// for tests.
package ztest

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DataDog/zkrecipes/store"
	"github.com/DataDog/zkrecipes/store/stub"
)

// Session is a store.Client along with the stub Conn beneath it, so tests
// can expire the session or inject failures.
type Session struct {
	*store.Client
	Conn *stub.Conn
}

// Connect opens a session against srv. The client is closed when the test
// ends.
func Connect(t testing.TB, srv *stub.Server) Session {
	t.Helper()

	conn, events := srv.Connect()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.WarnLevel)

	c := store.New(conn, events, store.Config{
		RetryBase: time.Millisecond,
		RetryMax:  10 * time.Millisecond,
		Logger:    &logger,
	})
	t.Cleanup(c.Close)

	return Session{Client: c, Conn: conn}
}
