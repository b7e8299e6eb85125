package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrRemoteMissing reports a remote file that does not exist. The daily
// tracking poll treats this as "nothing yet", not a failure.
var ErrRemoteMissing = errors.New("remote file not found")

// Remote layout on the mail provider's server.
const (
	remoteInbox  = "inbound"  // we upload batches here
	remoteOutbox = "outbound" // provider drops ACK-*.csv and TRACK-*.csv here
)

// Mailer is the certified-mail provider interface.
type Mailer interface {
	// Upload atomically places a batch's files under a batch-unique prefix
	// and returns the remote paths written.
	Upload(ctx context.Context, tenantID, batchID string, files map[string][]byte) ([]string, error)
	// ListAcks returns the acknowledgement file names currently available.
	ListAcks(ctx context.Context, tenantID string) ([]string, error)
	// Fetch reads one remote outbox file.
	Fetch(ctx context.Context, tenantID, name string) ([]byte, error)
}

// MailSFTP talks to the provider over SFTP. Each call opens one session;
// the runner enforces timeout, retry, and single-flight is guaranteed by the
// task queue's upload idempotency key.
type MailSFTP struct {
	host        string
	user        string
	signer      ssh.Signer
	hostKeyFunc ssh.HostKeyCallback
	runner      *Runner
}

// NewMailSFTP parses the private key and builds the adapter. hostKey is the
// provider server's public key in authorized_keys form (CORE_SFTP_HOST_KEY);
// connections pin to it. An empty hostKey skips verification, which is only
// acceptable against a local test server.
func NewMailSFTP(host, user string, privateKeyPEM, hostKey []byte, runner *Runner) (*MailSFTP, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse sftp key: %w", err)
	}
	hostKeyFunc, err := hostKeyCallback(hostKey)
	if err != nil {
		return nil, err
	}
	return &MailSFTP{host: host, user: user, signer: signer, hostKeyFunc: hostKeyFunc, runner: runner}, nil
}

func hostKeyCallback(hostKey []byte) (ssh.HostKeyCallback, error) {
	if len(hostKey) == 0 {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(hostKey)
	if err != nil {
		return nil, fmt.Errorf("parse sftp host key: %w", err)
	}
	return ssh.FixedHostKey(pub), nil
}

func (m *MailSFTP) connect() (*sftp.Client, func(), error) {
	conn, err := ssh.Dial("tcp", m.host, &ssh.ClientConfig{
		User:            m.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(m.signer)},
		HostKeyCallback: m.hostKeyFunc,
		Timeout:         15 * time.Second,
	})
	if err != nil {
		return nil, nil, Transient("sftp.dial", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, Transient("sftp.session", err)
	}
	return client, func() { client.Close(); conn.Close() }, nil
}

// Upload writes each file as {name}.tmp then renames, so the provider never
// observes a partial file. A replayed upload overwrites identical content.
func (m *MailSFTP) Upload(ctx context.Context, tenantID, batchID string, files map[string][]byte) ([]string, error) {
	var written []string
	err := m.runner.Call(ctx, tenantID, "sftp", TimeoutSFTP, func(ctx context.Context) error {
		client, closeFn, err := m.connect()
		if err != nil {
			return err
		}
		defer closeFn()

		prefix := path.Join(remoteInbox, batchID)
		if err := client.MkdirAll(prefix); err != nil {
			return Transient("sftp.mkdir", err)
		}

		written = written[:0]
		for name, data := range files {
			final := path.Join(prefix, name)
			tmp := final + ".tmp"
			if err := m.put(client, tmp, data); err != nil {
				return err
			}
			// Rename over any previous partial from a crashed attempt.
			_ = client.Remove(final)
			if err := client.Rename(tmp, final); err != nil {
				return Transient("sftp.rename", err)
			}
			written = append(written, final)
		}
		return nil
	})
	return written, err
}

func (m *MailSFTP) put(client *sftp.Client, remotePath string, data []byte) error {
	f, err := client.Create(remotePath)
	if err != nil {
		return Transient("sftp.create", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return Transient("sftp.write", err)
	}
	return nil
}

// ListAcks lists ACK-*.csv files in the provider outbox.
func (m *MailSFTP) ListAcks(ctx context.Context, tenantID string) ([]string, error) {
	var names []string
	err := m.runner.Call(ctx, tenantID, "sftp", TimeoutSFTP, func(ctx context.Context) error {
		client, closeFn, err := m.connect()
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := client.ReadDir(remoteOutbox)
		if err != nil {
			return Transient("sftp.readdir", err)
		}
		names = names[:0]
		for _, e := range entries {
			if !e.IsDir() && strings.HasPrefix(e.Name(), "ACK-") && strings.HasSuffix(e.Name(), ".csv") {
				names = append(names, e.Name())
			}
		}
		return nil
	})
	return names, err
}

// Fetch reads one outbox file (an ACK or a TRACK manifest).
func (m *MailSFTP) Fetch(ctx context.Context, tenantID, name string) ([]byte, error) {
	var data []byte
	err := m.runner.Call(ctx, tenantID, "sftp", TimeoutSFTP, func(ctx context.Context) error {
		client, closeFn, err := m.connect()
		if err != nil {
			return err
		}
		defer closeFn()

		f, err := client.Open(path.Join(remoteOutbox, name))
		if errors.Is(err, os.ErrNotExist) {
			return Permanent("sftp.open", ErrRemoteMissing)
		}
		if err != nil {
			return Transient("sftp.open", err)
		}
		defer f.Close()

		data, err = io.ReadAll(f)
		if err != nil {
			return Transient("sftp.read", err)
		}
		return nil
	})
	return data, err
}
