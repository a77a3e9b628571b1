package portal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
	"github.com/bubao/CanMV-K230-Demo/internal/store"
)

type fakeAP struct {
	mu          sync.Mutex
	ssid        string
	password    string
	activeAfter int
	polls       int
	addr        string
	stops       int
}

func (a *fakeAP) Start(ctx context.Context, ssid, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ssid, a.password = ssid, password
	return nil
}

func (a *fakeAP) Active(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	return a.polls > a.activeAfter
}

func (a *fakeAP) Address(ctx context.Context) string { return a.addr }

func (a *fakeAP) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	return nil
}

type fakeStation struct {
	scanned []string
}

func (s *fakeStation) Activate(ctx context.Context) error                 { return nil }
func (s *fakeStation) Connect(ctx context.Context, ssid, pw string) error { return nil }
func (s *fakeStation) IsConnected(ctx context.Context) bool               { return false }
func (s *fakeStation) Address(ctx context.Context) string                 { return "" }
func (s *fakeStation) Scan(ctx context.Context) ([]string, error)         { return s.scanned, nil }
func (s *fakeStation) Disconnect(ctx context.Context) error               { return nil }

type harness struct {
	portal *Portal
	store  *store.Store
	ap     *fakeAP
	base   string
	cancel context.CancelFunc
	done   chan error
}

func startPortal(t *testing.T, cfg Config) *harness {
	t.Helper()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.DNSAddr = "127.0.0.1:0"
	cfg.PollInterval = time.Millisecond

	st := store.New(filepath.Join(t.TempDir(), "config.json"))
	ap := &fakeAP{activeAfter: 2, addr: "10.42.0.1"}
	p := New(cfg, ap, &fakeStation{scanned: []string{"Neighbour", "Cafe"}}, st)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	h := &harness{portal: p, store: st, ap: ap, base: "http://" + p.HTTPAddr(), cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- p.Serve(ctx) }()
	<-p.Ready()

	t.Cleanup(func() {
		cancel()
		_ = p.Stop()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, h.base+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestStartChoosesSSIDAndWaitsForAP(t *testing.T) {
	h := startPortal(t, Config{})

	ssid := h.portal.SSID()
	if !strings.HasPrefix(ssid, "AP_") || len(ssid) != 9 || strings.ToUpper(ssid) != ssid {
		t.Errorf("generated SSID %q, want AP_ plus 6 uppercase characters", ssid)
	}
	if h.ap.ssid != ssid || h.ap.password != models.DefaultAPPassword {
		t.Errorf("AP started with %q/%q", h.ap.ssid, h.ap.password)
	}
	if h.ap.polls != 3 {
		t.Errorf("Active() polled %d times, want 3", h.ap.polls)
	}
	if h.portal.Address() != "10.42.0.1" || h.portal.State() != StateServing {
		t.Errorf("address = %q state = %v", h.portal.Address(), h.portal.State())
	}
}

func TestConfiguredSSIDIsUsed(t *testing.T) {
	h := startPortal(t, Config{AP: models.APConfig{SSID: "Setup", Password: "hunter22"}})
	if h.ap.ssid != "Setup" || h.ap.password != "hunter22" {
		t.Errorf("AP started with %q/%q", h.ap.ssid, h.ap.password)
	}
}

func TestGenerateSSIDAvoidsTaken(t *testing.T) {
	taken := []string{}
	for i := 0; i < 50; i++ {
		ssid := generateSSID(taken)
		for _, s := range taken {
			if s == ssid {
				t.Fatalf("generated taken SSID %q", ssid)
			}
		}
		taken = append(taken, ssid)
	}
}

func TestEmptyStoreListsEmptyArray(t *testing.T) {
	h := startPortal(t, Config{})

	status, body := h.do(t, http.MethodGet, "/api/config_file_networks", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if strings.TrimSpace(body) != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestAddUpdateOnEmptyStore(t *testing.T) {
	h := startPortal(t, Config{})

	status, _ := h.do(t, http.MethodPost, "/api/add_update", `{"ssid":"B","password":"y","enabled":true}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	networks, err := h.store.Networks()
	if err != nil {
		t.Fatal(err)
	}
	want := []models.NetworkCredential{{SSID: "B", Password: "y", Enabled: true}}
	if len(networks) != 1 || networks[0] != want[0] {
		t.Errorf("stored networks = %+v, want %+v", networks, want)
	}

	_, body := h.do(t, http.MethodGet, "/api/config_file_networks", "")
	var listed []models.NetworkCredential
	if err := json.Unmarshal([]byte(body), &listed); err != nil || len(listed) != 1 {
		t.Errorf("listed = %s (%v)", body, err)
	}
}

func TestMalformedRequests(t *testing.T) {
	h := startPortal(t, Config{})

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/add_update", `{"ssid":`, http.StatusBadRequest},
		{http.MethodPost, "/api/add_update", `not json`, http.StatusBadRequest},
		{http.MethodPost, "/api/add_update", `{"password":"x"}`, http.StatusBadRequest},
		{http.MethodPost, "/api/add_update", `{"ssid":"A","enabled":"yes"}`, http.StatusBadRequest},
		{http.MethodDelete, "/api/delete", `{}`, http.StatusBadRequest},
		{http.MethodDelete, "/api/delete", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got, body := h.do(t, tt.method, tt.path, tt.body); got != tt.want {
			t.Errorf("%s %s %q = %d (%s), want %d", tt.method, tt.path, tt.body, got, body, tt.want)
		}
	}

	// the listener survives malformed input
	if got, _ := h.do(t, http.MethodGet, "/api/scanned_networks", ""); got != http.StatusOK {
		t.Errorf("portal stopped answering after malformed requests: %d", got)
	}
}

func TestDeleteNetwork(t *testing.T) {
	h := startPortal(t, Config{})
	if err := h.store.AddNetwork(models.NetworkCredential{SSID: "A", Password: "a", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	if status, _ := h.do(t, http.MethodDelete, "/api/delete", `{"ssid":"A"}`); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if status, _ := h.do(t, http.MethodDelete, "/api/delete", `{"ssid":"A"}`); status != http.StatusOK {
		t.Fatalf("deleting a missing network: status = %d", status)
	}
	networks, _ := h.store.Networks()
	if len(networks) != 0 {
		t.Errorf("networks = %+v, want none", networks)
	}
}

func TestScannedNetworks(t *testing.T) {
	h := startPortal(t, Config{})

	_, body := h.do(t, http.MethodGet, "/api/scanned_networks", "")
	var got []string
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("body %q: %v", body, err)
	}
	if len(got) != 2 || got[0] != "Neighbour" {
		t.Errorf("scanned = %v", got)
	}
}

func TestStaticPage(t *testing.T) {
	h := startPortal(t, Config{})
	resp, err := http.Get(h.base + "/generate_204")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("status = %d content-type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	missing := startPortal(t, Config{PagePath: filepath.Join(t.TempDir(), "missing.html")})
	if status, _ := missing.do(t, http.MethodGet, "/", ""); status != http.StatusInternalServerError {
		t.Errorf("missing page status = %d, want 500", status)
	}
}

func TestResetEndsServe(t *testing.T) {
	h := startPortal(t, Config{})

	status, body := h.do(t, http.MethodPost, "/reset", "")
	if status != http.StatusOK || body == "" {
		t.Fatalf("reset answered %d %q", status, body)
	}
	if err := h.wait(t); !errors.Is(err, ErrResetRequested) {
		t.Errorf("Serve() error = %v, want ErrResetRequested", err)
	}
}

func TestCancelEndsServe(t *testing.T) {
	h := startPortal(t, Config{})
	h.cancel()
	if err := h.wait(t); err != nil {
		t.Errorf("Serve() error = %v, want nil", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := startPortal(t, Config{})
	h.cancel()
	h.wait(t)

	if err := h.portal.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	_ = h.portal.Stop()
	if h.ap.stops != 1 || h.portal.State() != StateStopped {
		t.Errorf("ap stops = %d state = %v", h.ap.stops, h.portal.State())
	}
}

func TestDNSOverUDP(t *testing.T) {
	h := startPortal(t, Config{})

	conn, err := net.Dial("udp", h.portal.DNSAddr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0xde, 0xad}); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(buildQuery(t, 7, "connectivitycheck.gstatic.com.", dnsmessage.TypeA)); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no DNS answer: %v", err)
	}
	id, answers := parseAnswer(t, buf[:n])
	if id != 7 || len(answers) != 1 || answers[0] != "10.42.0.1" {
		t.Errorf("answer id=%d addrs=%v", id, answers)
	}
}

func TestAnswerDNS(t *testing.T) {
	ip := net.ParseIP("192.168.4.1").To4()

	tests := []struct {
		name        string
		qname       string
		qtype       dnsmessage.Type
		domain      string
		wantOK      bool
		wantAnswers int
	}{
		{"capture all A", "example.com.", dnsmessage.TypeA, "", true, 1},
		{"capture all AAAA", "example.com.", dnsmessage.TypeAAAA, "", true, 0},
		{"domain match", "portal.local.", dnsmessage.TypeA, "portal.local", true, 1},
		{"subdomain match", "www.Portal.Local.", dnsmessage.TypeA, "portal.local", true, 1},
		{"other name ignored", "example.com.", dnsmessage.TypeA, "portal.local", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := answerDNS(buildQuery(t, 42, tt.qname, tt.qtype), ip, tt.domain)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			id, answers := parseAnswer(t, resp)
			if id != 42 || len(answers) != tt.wantAnswers {
				t.Errorf("id = %d answers = %v, want %d answers", id, answers, tt.wantAnswers)
			}
		})
	}

	if _, ok := answerDNS([]byte{1, 2, 3}, ip, ""); ok {
		t.Error("malformed packet was answered")
	}
}

func TestListenBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	p := New(Config{HTTPAddr: ln.Addr().String(), DNSAddr: "127.0.0.1:0"}, &fakeAP{}, &fakeStation{}, nil)
	err = p.Listen()
	if !errors.Is(err, ErrBindFailed) {
		t.Fatalf("Listen() error = %v, want ErrBindFailed", err)
	}
	var be *BindError
	if !errors.As(err, &be) || be.Proto != "tcp" {
		t.Errorf("expected tcp BindError, got %#v", err)
	}
}

func buildQuery(t *testing.T, id uint16, name string, qtype dnsmessage.Type) []byte {
	t.Helper()
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: id, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  dnsmessage.MustNewName(name),
			Type:  qtype,
			Class: dnsmessage.ClassINET,
		}},
	}
	out, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func parseAnswer(t *testing.T, resp []byte) (uint16, []string) {
	t.Helper()
	var msg dnsmessage.Message
	if err := msg.Unpack(resp); err != nil {
		t.Fatalf("unpack answer: %v", err)
	}
	if !msg.Header.Response || msg.Header.RCode != dnsmessage.RCodeSuccess {
		t.Errorf("bad header %+v", msg.Header)
	}
	var addrs []string
	for _, a := range msg.Answers {
		if r, ok := a.Body.(*dnsmessage.AResource); ok {
			if a.Header.TTL != dnsAnswerTTL {
				t.Errorf("TTL = %d, want %d", a.Header.TTL, dnsAnswerTTL)
			}
			addrs = append(addrs, net.IP(r.A[:]).String())
		}
	}
	return msg.Header.ID, addrs
}
