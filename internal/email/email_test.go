package email_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"MailPacer/internal/email"
	"MailPacer/internal/models"
)

// fakeSMTP is a minimal SMTP server. Recipients containing "reject@" get
// a 550 and "busy@" a 451.
type fakeSMTP struct {
	ln net.Listener

	mu       sync.Mutex
	messages []string
	sessions int
}

func startSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTP{ln: ln}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeSMTP) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeSMTP) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *fakeSMTP) handle(c net.Conn) {
	defer c.Close()
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()

	tp := textproto.NewConn(c)
	_ = tp.PrintfLine("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			_ = tp.PrintfLine("250 fake")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			_ = tp.PrintfLine("250 2.1.0 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			switch {
			case strings.Contains(line, "reject@"):
				_ = tp.PrintfLine("550 5.1.1 no such user")
			case strings.Contains(line, "busy@"):
				_ = tp.PrintfLine("451 4.3.0 try again later")
			default:
				_ = tp.PrintfLine("250 2.1.5 OK")
			}
		case cmd == "DATA":
			_ = tp.PrintfLine("354 go ahead")
			body, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, string(body))
			s.mu.Unlock()
			_ = tp.PrintfLine("250 2.0.0 queued")
		case cmd == "RSET", cmd == "NOOP":
			_ = tp.PrintfLine("250 OK")
		case cmd == "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 not implemented")
		}
	}
}

func (s *fakeSMTP) stats() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...), s.sessions
}

func account(port int) models.Account {
	return models.Account{
		ID:          "ada",
		Address:     "ada@example.com",
		Password:    "pw",
		Host:        "127.0.0.1",
		Port:        port,
		DisplayName: "Ada",
	}
}

func TestSMTPTransportSendsAndReusesSession(t *testing.T) {
	srv := startSMTP(t)
	tr := email.NewSMTPTransport(account(srv.port()), email.TransportOptions{MaxIdle: 2}, zaptest.NewLogger(t))
	defer tr.Close()

	ctx := context.Background()
	var ids []string
	for i := range 2 {
		id, err := tr.Send(ctx, email.Envelope{
			To:       fmt.Sprintf("user%d@example.org", i),
			Subject:  "Hello",
			HTMLBody: "<p>hi</p>",
		})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	msgs, sessions := srv.stats()
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	if sessions != 1 {
		t.Fatalf("want the session reused, got %d sessions", sessions)
	}
	if ids[0] == ids[1] || !strings.HasPrefix(ids[0], "<") || !strings.HasSuffix(ids[0], "@example.com>") {
		t.Fatalf("bad message ids: %v", ids)
	}
	for _, want := range []string{"Subject: Hello", "ada@example.com", "Message-ID: " + ids[0], "<p>hi</p>"} {
		if !strings.Contains(msgs[0], want) {
			t.Errorf("message missing %q:\n%s", want, msgs[0])
		}
	}
}

func TestSMTPTransportClassifiesRejections(t *testing.T) {
	srv := startSMTP(t)
	tr := email.NewSMTPTransport(account(srv.port()), email.TransportOptions{}, zaptest.NewLogger(t))
	defer tr.Close()
	ctx := context.Background()

	_, err := tr.Send(ctx, email.Envelope{To: "reject@example.org", Subject: "s", HTMLBody: "b"})
	if !email.IsPermanent(err) || email.ErrorCode(err) != models.CodeRejected {
		t.Fatalf("550 should be permanent REJECTED, got %v (%s)", err, email.ErrorCode(err))
	}

	_, err = tr.Send(ctx, email.Envelope{To: "busy@example.org", Subject: "s", HTMLBody: "b"})
	var te *email.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("451 should be transient, got %v", err)
	}

	if _, err := tr.Send(ctx, email.Envelope{To: "ok@example.org", Subject: "s", HTMLBody: "b"}); err != nil {
		t.Fatalf("send after failures: %v", err)
	}
}

func TestInvalidRecipientFailsWithoutDialing(t *testing.T) {
	srv := startSMTP(t)
	tr := email.NewSMTPTransport(account(srv.port()), email.TransportOptions{}, zaptest.NewLogger(t))
	defer tr.Close()

	_, err := tr.Send(context.Background(), email.Envelope{To: "not an address", Subject: "s", HTMLBody: "b"})
	if !email.IsPermanent(err) || email.ErrorCode(err) != models.CodeInvalidAddress {
		t.Fatalf("want permanent INVALID_ADDRESS, got %v", err)
	}
	if _, sessions := srv.stats(); sessions != 0 {
		t.Fatalf("should not dial, got %d sessions", sessions)
	}
}

func TestAttachmentsAndDKIM(t *testing.T) {
	srv := startSMTP(t)

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	signer, err := email.NewSigner(email.DKIMConfig{Selector: "mp", PrivateKey: string(pemKey)})
	if err != nil || signer == nil {
		t.Fatalf("signer: %v", err)
	}

	tr := email.NewSMTPTransport(account(srv.port()), email.TransportOptions{Signer: signer}, zaptest.NewLogger(t))
	defer tr.Close()

	_, err = tr.Send(context.Background(), email.Envelope{
		To:          "bob@example.org",
		Subject:     "Report",
		HTMLBody:    "see attached",
		Attachments: []models.Attachment{models.InlineAttachment("notes.txt", []byte("hello world"), "text/plain")},
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := srv.stats()
	msg := msgs[0]
	for _, want := range []string{"DKIM-Signature:", "d=example.com", "s=mp", `name="notes.txt"`, "aGVsbG8gd29ybGQ="} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestNewSignerDisabled(t *testing.T) {
	s, err := email.NewSigner(email.DKIMConfig{})
	if err != nil || s != nil {
		t.Fatalf("want nil signer, got %v %v", s, err)
	}
	if _, err := email.NewSigner(email.DKIMConfig{Selector: "x"}); err == nil {
		t.Fatal("selector without key should fail")
	}
}

type netErr struct{}

func (netErr) Error() string   { return "connection reset" }
func (netErr) Timeout() bool   { return false }
func (netErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
		code      string
	}{
		{"auth", &textproto.Error{Code: 535, Msg: "bad credentials"}, true, models.CodeAuthFailed},
		{"mailbox", &textproto.Error{Code: 550, Msg: "no such user"}, true, models.CodeRejected},
		{"bad address", &textproto.Error{Code: 553, Msg: "bad address"}, true, models.CodeInvalidAddress},
		{"greylist", &textproto.Error{Code: 421, Msg: "later"}, false, models.CodeSendFailed},
		{"eof", io.EOF, false, models.CodeSendFailed},
		{"timeout", context.DeadlineExceeded, false, models.CodeSendFailed},
		{"network", netErr{}, false, models.CodeSendFailed},
		{"plaintext auth", errors.New("gomail: unencrypted connection"), true, models.CodeAuthFailed},
		{"unknown", errors.New("boom"), false, models.CodeSendFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := email.Classify(tt.err)
			if email.IsPermanent(err) != tt.permanent {
				t.Fatalf("permanent = %v, want %v", email.IsPermanent(err), tt.permanent)
			}
			if got := email.ErrorCode(err); got != tt.code {
				t.Fatalf("code = %s, want %s", got, tt.code)
			}
			if !errors.Is(err, tt.err) {
				t.Fatal("classified error must wrap the original")
			}
		})
	}
	if email.Classify(nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestPersonalize(t *testing.T) {
	data := email.Fields("ada@example.com", "Ada", "Lovelace", map[string]string{"company": "Engines", "email": "spoof"})
	tests := []struct {
		in, want string
	}{
		{"Hi {{firstName}} {{lastName}}", "Hi Ada Lovelace"},
		{"{{ company }} for {{email}}", "Engines for ada@example.com"},
		{"{{missing}} stays", "{{missing}} stays"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		if got := email.Personalize(tt.in, data); got != tt.want {
			t.Errorf("Personalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type countingTransport struct {
	mu     sync.Mutex
	closed bool
}

func (c *countingTransport) Send(context.Context, email.Envelope) (string, error) { return "<id>", nil }

func (c *countingTransport) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *countingTransport) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestCacheReusesAndRebuilds(t *testing.T) {
	var built []*countingTransport
	cache := email.NewCache(func(models.Account) (email.Transport, error) {
		ct := &countingTransport{}
		built = append(built, ct)
		return ct, nil
	}, zaptest.NewLogger(t))

	a := account(25)
	t1, _ := cache.Get(a)
	t2, _ := cache.Get(a)
	if t1 != t2 || len(built) != 1 {
		t.Fatalf("same account should reuse its transport, built %d", len(built))
	}

	a.Password = "rotated"
	t3, _ := cache.Get(a)
	if t3 == t1 || len(built) != 2 {
		t.Fatal("changed credentials must build a new transport")
	}
	waitClosed(t, built[0])

	cache.Evict(a.ID, "unknown")
	if cache.Len() != 0 {
		t.Fatal("evict should drop the entry")
	}
	waitClosed(t, built[1])

	if err := cache.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Get(a); !errors.Is(err, email.ErrCacheClosed) {
		t.Fatalf("want ErrCacheClosed, got %v", err)
	}
}

func waitClosed(t *testing.T, ct *countingTransport) {
	t.Helper()
	for range 200 {
		if ct.isClosed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("transport was not closed")
}
