package testutil

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/require"
)

// The memory backend ships with a single user.
const (
	imapUser     = "username"
	imapPassword = "password"
)

// TestIMAPServer is an in-memory IMAP server listening on a loopback port.
type TestIMAPServer struct {
	Address string
	Backend *memory.Backend

	srv *server.Server
}

// NewTestIMAPServer starts a plaintext server backed by memory.Backend.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	srv := server.New(be)
	srv.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := srv.Serve(listener); err != nil {
			t.Logf("imap server stopped: %v", err)
		}
	}()

	return &TestIMAPServer{Address: listener.Addr().String(), Backend: be, srv: srv}
}

// Close stops the server. Open client connections are dropped.
func (s *TestIMAPServer) Close() {
	_ = s.srv.Close()
}

func (s *TestIMAPServer) Username() string { return imapUser }

func (s *TestIMAPServer) Password() string { return imapPassword }

// HostPort splits Address for building a models.ServerConfig.
func (s *TestIMAPServer) HostPort(t *testing.T) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.Address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// Connect returns a logged-in client and a func that logs it out.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	require.NoError(t, err)
	if err := c.Login(imapUser, imapPassword); err != nil {
		_ = c.Logout()
		require.NoError(t, err, "imap login")
	}
	return c, func() { _ = c.Logout() }
}

// CreateFolder creates a mailbox for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	c, logout := s.Connect(t)
	defer logout()
	require.NoError(t, c.Create(name), "create folder %s", name)
}

// AddRawMessage appends raw with flags and returns the UID found by searching
// for messageID, which must match the raw Message-ID header. Bare LF line
// endings are converted to CRLF.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folder, messageID, raw string, flags []string) uint32 {
	t.Helper()

	c, logout := s.Connect(t)
	defer logout()

	raw = strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\n", "\r\n")
	require.NoError(t, c.Append(folder, flags, time.Now(), strings.NewReader(raw)))

	_, err := c.Select(folder, true)
	require.NoError(t, err)
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	uids, err := c.UidSearch(criteria)
	require.NoError(t, err)
	require.NotEmpty(t, uids, "message %s not found after append", messageID)
	return uids[len(uids)-1]
}

// Flags returns the flags of one message.
func (s *TestIMAPServer) Flags(t *testing.T, folder string, uid uint32) []string {
	t.Helper()

	c, logout := s.Connect(t)
	defer logout()

	_, err := c.Select(folder, true)
	require.NoError(t, err)
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	messages := make(chan *imap.Message, 1)
	require.NoError(t, c.UidFetch(seqSet, []imap.FetchItem{imap.FetchFlags, imap.FetchUid}, messages))
	msg := <-messages
	require.NotNil(t, msg, "message %d not found", uid)
	return msg.Flags
}
