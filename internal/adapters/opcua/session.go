package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

const DefaultEndpoint = "opc.tcp://localhost:4840/"

var ErrNotConnected = errors.New("opcua: session not open")

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "Jupiter SCADA"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "opc.tcp://") {
		return fmt.Errorf("endpoint %q must use the opc.tcp scheme", c.Endpoint)
	}
	if c.Username == "" && c.Password != "" {
		return errors.New("password given without username")
	}
	return nil
}

// Session is a single OPC UA client session. The client's own reconnect
// logic is disabled; the connection manager decides when to redial.
type Session struct {
	cfg Config
	obs ports.Observability

	mu     sync.Mutex
	client *opcua.Client
	nodes  map[string]*ua.NodeID
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithObservability logs session housekeeping failures to obs.
func WithObservability(obs ports.Observability) SessionOption {
	return func(s *Session) {
		if obs != nil {
			s.obs = obs
		}
	}
}

func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:   cfg,
		obs:   ports.Nop{},
		nodes: make(map[string]*ua.NodeID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Session) Connect(ctx context.Context) error {
	client, err := opcua.NewClient(s.cfg.Endpoint, buildClientOptions(s.cfg)...)
	if err != nil {
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("opcua connect %s: %w", s.cfg.Endpoint, err)
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.mu.Unlock()

	if old != nil {
		s.closeReplaced(ctx, old)
	}
	return nil
}

type clientCloser interface {
	Close(ctx context.Context) error
}

// closeReplaced releases the client a reconnect superseded. The new session is
// already up, so a failure is logged rather than returned.
func (s *Session) closeReplaced(ctx context.Context, old clientCloser) {
	if err := old.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.obs.LogError("opcua_close_replaced_client_failed", err,
			ports.Field{Key: "endpoint", Value: s.cfg.Endpoint})
	}
}

func (s *Session) Read(ctx context.Context, nodeID string) (domain.DataValue, error) {
	s.mu.Lock()
	client := s.client
	id, err := s.nodeID(nodeID)
	s.mu.Unlock()

	if client == nil {
		return domain.DataValue{}, ErrNotConnected
	}
	if err != nil {
		return domain.DataValue{}, &domain.ReadError{NodeID: nodeID, Err: err}
	}

	req := &ua.ReadRequest{
		MaxAge: 0,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: id, AttributeID: ua.AttributeIDValue},
		},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	resp, err := client.Read(ctx, req)
	if err != nil {
		return domain.DataValue{}, fmt.Errorf("opcua read %s: %w", nodeID, err)
	}
	if resp == nil || len(resp.Results) == 0 {
		return domain.DataValue{}, &domain.ReadError{NodeID: nodeID, Err: errors.New("empty read response")}
	}
	return toDataValue(nodeID, resp.Results[0])
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("opcua close: %w", err)
	}
	return nil
}

// nodeID parses and caches node ids. Caller holds s.mu.
func (s *Session) nodeID(raw string) (*ua.NodeID, error) {
	if id, ok := s.nodes[raw]; ok {
		return id, nil
	}
	id, err := ua.ParseNodeID(raw)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", raw, err)
	}
	s.nodes[raw] = id
	return id, nil
}

func buildClientOptions(cfg Config) []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(cfg.SecurityPolicy)),
		opcua.ApplicationName(cfg.ApplicationName),
		opcua.RequestTimeout(cfg.RequestTimeout),
		opcua.AutoReconnect(false),
	}

	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	return opts
}

func toDataValue(nodeID string, dv *ua.DataValue) (domain.DataValue, error) {
	if dv == nil {
		return domain.DataValue{}, &domain.ReadError{NodeID: nodeID, Err: errors.New("nil data value")}
	}
	status := statusOf(dv.Status)
	if status == domain.StatusBad {
		return domain.DataValue{}, &domain.ReadError{NodeID: nodeID, Err: dv.Status}
	}

	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = dv.ServerTimestamp
	}
	return domain.DataValue{
		Value:           variantValue(dv.Value),
		Status:          status,
		SourceTimestamp: ts,
	}, nil
}

// statusOf maps the severity bits of an OPC UA status code. Uncertain values
// are kept but flagged Stale.
func statusOf(code ua.StatusCode) domain.Status {
	switch uint32(code) >> 30 {
	case 0:
		return domain.StatusGood
	case 1:
		return domain.StatusStale
	default:
		return domain.StatusBad
	}
}

func variantValue(v *ua.Variant) any {
	if v == nil {
		return nil
	}

	switch val := v.Value().(type) {
	case nil:
		return nil
	case bool, string,
		float32, float64,
		int8, uint8, int16, uint16, int32, uint32, int64, uint64:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	case *ua.LocalizedText:
		if val == nil {
			return nil
		}
		return val.Text
	default:
		return fmt.Sprint(val)
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Session = (*Session)(nil)
