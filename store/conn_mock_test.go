package store

import (
	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/mock"
)

// mockConn is a mocked implementation of Conn.
type mockConn struct {
	mock.Mock
}

func (m *mockConn) Children(p string) ([]string, *zk.Stat, error) {
	args := m.Called(p)
	return args.Get(0).([]string), stat(args.Get(1)), args.Error(2)
}

func (m *mockConn) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	args := m.Called(p)
	return args.Get(0).([]string), stat(args.Get(1)), nil, args.Error(2)
}

func (m *mockConn) Create(p string, d []byte, f int32, acl []zk.ACL) (string, error) {
	args := m.Called(p, d, f, acl)
	return args.String(0), args.Error(1)
}

func (m *mockConn) CreateProtectedEphemeralSequential(p string, d []byte, acl []zk.ACL) (string, error) {
	args := m.Called(p, d, acl)
	return args.String(0), args.Error(1)
}

func (m *mockConn) Delete(p string, v int32) error {
	return m.Called(p, v).Error(0)
}

func (m *mockConn) Exists(p string) (bool, *zk.Stat, error) {
	args := m.Called(p)
	return args.Bool(0), stat(args.Get(1)), args.Error(2)
}

func (m *mockConn) ExistsW(p string) (bool, *zk.Stat, <-chan zk.Event, error) {
	args := m.Called(p)
	return args.Bool(0), stat(args.Get(1)), nil, args.Error(2)
}

func (m *mockConn) Get(p string) ([]byte, *zk.Stat, error) {
	args := m.Called(p)
	return args.Get(0).([]byte), stat(args.Get(1)), args.Error(2)
}

func (m *mockConn) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	args := m.Called(p)
	return args.Get(0).([]byte), stat(args.Get(1)), nil, args.Error(2)
}

func (m *mockConn) Set(p string, d []byte, v int32) (*zk.Stat, error) {
	args := m.Called(p, d, v)
	return stat(args.Get(0)), args.Error(1)
}

func (m *mockConn) SessionID() int64 {
	return m.Called().Get(0).(int64)
}

func (m *mockConn) State() zk.State {
	return m.Called().Get(0).(zk.State)
}

func (m *mockConn) Close() {
	m.Called()
}

func stat(v interface{}) *zk.Stat {
	s, _ := v.(*zk.Stat)
	return s
}
