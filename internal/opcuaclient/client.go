// Package opcuaclient wraps a single persistent OPC UA session: the
// control-plane side of the bridge. It is a thin, narrowly scoped layer
// over github.com/gopcua/opcua providing browse/read/write/subscribe plus
// reconnect-and-restore, nothing else.
package opcuaclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"okuma-bridge/internal/opcuapki"
)

// Notification is a single change-notification delivered to the Dispatcher.
type Notification struct {
	NodeID          string
	Value           Value
	SourceTimestamp time.Time
}

// Config configures the control-plane client from the OPCUA_* environment
// variables.
type Config struct {
	ServerURL               string
	Username                string
	Password                string
	SecurityPolicy          string
	SecurityMode            string
	ReconnectInterval       time.Duration
	PublishingInterval      time.Duration
	DefaultSamplingInterval time.Duration
	MaxReconnectAttempts    int
	CertDir                 string
}

// Client is the control-plane client. One Client per process, shared by
// every worker; gopcua is safe for concurrent use over one session.
type Client struct {
	logger *zap.Logger
	cfg    Config
	pki    *opcuapki.Manager

	mu        sync.RWMutex
	conn      *opcua.Client
	sub       *opcua.Subscription
	connected bool
	notifyCh  chan *opcua.PublishNotificationData

	subMu        sync.Mutex
	subscribed   map[string]uint32 // nodeID -> clientHandle; append-only, process lifetime
	handleToNode map[uint32]string
	nextHandle   uint32

	out chan Notification

	loggedSubjects sync.Map // string -> struct{}, certificate subject already logged once
}

// New constructs a Client. It does not connect; call Start.
func New(cfg Config, logger *zap.Logger, pki *opcuapki.Manager) *Client {
	return &Client{
		logger:       logger,
		cfg:          cfg,
		pki:          pki,
		subscribed:   make(map[string]uint32),
		handleToNode: make(map[uint32]string),
		nextHandle:   1,
		out:          make(chan Notification, 1024),
	}
}

// Notifications returns the channel the Dispatcher drains.
func (c *Client) Notifications() <-chan Notification { return c.out }

// Start opens the session and launches the background keep-alive/reconnect
// loop and the notification pump. It makes a single connection attempt and
// returns its error; retrying a failed first connection is the caller's job.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	go c.maintainLoop(ctx)
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	opts, err := c.buildOptions(ctx)
	if err != nil {
		return fmt.Errorf("opcuaclient: build options: %w", err)
	}

	conn, err := opcua.NewClient(c.cfg.ServerURL, opts...)
	if err != nil {
		return fmt.Errorf("opcuaclient: new client: %w", err)
	}
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("opcuaclient: connect %s: %w", c.cfg.ServerURL, err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 256)
	sub, err := conn.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: c.cfg.PublishingInterval,
	}, notifyCh)
	if err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("opcuaclient: subscribe: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.sub = sub
	c.notifyCh = notifyCh
	c.connected = true
	c.mu.Unlock()

	go c.pumpNotifications(ctx, notifyCh)

	c.logger.Info("opcuaclient: connected", zap.String("endpoint", c.cfg.ServerURL))

	if err := c.RestoreSubscriptions(ctx); err != nil {
		c.logger.Warn("opcuaclient: restore subscriptions after connect", zap.Error(err))
	}

	return nil
}

// maintainLoop watches for disconnects and reconnects with the configured
// backoff, honoring OPCUA_MAX_RECONNECT_ATTEMPTS (0 = retry forever).
func (c *Client) maintainLoop(ctx context.Context) {
	attempts := 0
	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsConnected() {
				attempts = 0
				continue
			}
			if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
				c.logger.Error("opcuaclient: max reconnect attempts reached, giving up this cycle")
				continue
			}
			attempts++
			if err := c.connect(ctx); err != nil {
				c.logger.Warn("opcuaclient: reconnect attempt failed", zap.Int("attempt", attempts), zap.Error(err))
				continue
			}
			attempts = 0
		}
	}
}

func (c *Client) pumpNotifications(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				c.markDisconnected()
				return
			}
			if msg.Error != nil {
				c.logger.Warn("opcuaclient: publish notification error", zap.Error(msg.Error))
				c.markDisconnected()
				continue
			}
			c.handleNotification(msg.Value)
		}
	}
}

func (c *Client) handleNotification(v interface{}) {
	dcn, ok := v.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	for _, item := range dcn.MonitoredItems {
		nodeID, found := c.nodeForHandle(item.ClientHandle)
		if !found {
			continue
		}
		val := valueFromVariant(item.Value.Value)
		srcTS := item.Value.SourceTimestamp
		select {
		case c.out <- Notification{NodeID: nodeID, Value: val, SourceTimestamp: srcTS}:
		default:
			c.logger.Warn("opcuaclient: notification channel full, dropping", zap.String("node", nodeID))
		}
	}
}

func (c *Client) nodeForHandle(handle uint32) (string, bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	n, ok := c.handleToNode[handle]
	return n, ok
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// IsConnected reports whether the session is currently open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Read performs a single-attribute read. It returns (nil, nil) on any
// not-good status: absence of a node is information, not an error.
func (c *Client) Read(ctx context.Context, nodeID string) (*Value, error) {
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("opcuaclient: parse node id %q: %w", nodeID, err)
	}

	conn := c.client()
	if conn == nil {
		return nil, fmt.Errorf("opcuaclient: not connected")
	}

	req := &ua.ReadRequest{
		MaxAge:             2000,
		NodesToRead:        []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	resp, err := conn.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("opcuaclient: read %s: %w", nodeID, err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	dv := resp.Results[0]
	if dv.Status != ua.StatusOK {
		return nil, nil
	}
	v := valueFromVariant(dv.Value)
	return &v, nil
}

// Write performs a single-attribute write, returning the good-status bit.
func (c *Client) Write(ctx context.Context, nodeID string, value Value) (bool, error) {
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return false, fmt.Errorf("opcuaclient: parse node id %q: %w", nodeID, err)
	}
	variant, err := value.toVariant()
	if err != nil {
		return false, fmt.Errorf("opcuaclient: convert value for %s: %w", nodeID, err)
	}

	conn := c.client()
	if conn == nil {
		return false, fmt.Errorf("opcuaclient: not connected")
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: variant},
		}},
	}
	resp, err := conn.Write(ctx, req)
	if err != nil {
		return false, fmt.Errorf("opcuaclient: write %s: %w", nodeID, err)
	}
	if len(resp.Results) == 0 {
		return false, nil
	}
	return resp.Results[0] == ua.StatusOK, nil
}

// Browse performs a forward hierarchical browse with a variable+object
// node-class mask, returning child node IDs.
func (c *Client) Browse(ctx context.Context, nodeID string) ([]string, error) {
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("opcuaclient: parse node id %q: %w", nodeID, err)
	}
	conn := c.client()
	if conn == nil {
		return nil, fmt.Errorf("opcuaclient: not connected")
	}

	req := &ua.BrowseRequest{
		RequestedMaxReferencesPerNode: 0,
		NodesToBrowse: []*ua.BrowseDescription{
			{
				NodeID:          parsed,
				BrowseDirection: ua.BrowseDirectionForward,
				ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
				IncludeSubtypes: true,
				NodeClassMask:   uint32(ua.NodeClassVariable) | uint32(ua.NodeClassObject),
				ResultMask:      uint32(ua.BrowseResultMaskAll),
			},
		},
	}

	resp, err := conn.Browse(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("opcuaclient: browse %s: %w", nodeID, err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}

	var children []string
	for _, ref := range resp.Results[0].References {
		children = append(children, ref.NodeID.NodeID.String())
	}
	return children, nil
}

// Subscribe adds a monitored item at the configured default sampling
// interval and remembers the node ID for RestoreSubscriptions. Idempotent:
// re-subscribing to an already-subscribed node is a no-op.
func (c *Client) Subscribe(ctx context.Context, nodeID string) error {
	c.subMu.Lock()
	if _, already := c.subscribed[nodeID]; already {
		c.subMu.Unlock()
		return nil
	}
	handle := c.nextHandle
	c.nextHandle++
	c.subscribed[nodeID] = handle
	c.handleToNode[handle] = nodeID
	c.subMu.Unlock()

	return c.subscribeHandle(ctx, nodeID, handle)
}

func (c *Client) subscribeHandle(ctx context.Context, nodeID string, handle uint32) error {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()
	if sub == nil {
		return fmt.Errorf("opcuaclient: no active subscription")
	}

	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return fmt.Errorf("opcuaclient: parse node id %q: %w", nodeID, err)
	}

	req := opcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, handle)
	req.RequestedParameters.SamplingInterval = float64(c.cfg.DefaultSamplingInterval.Milliseconds())

	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		return fmt.Errorf("opcuaclient: monitor %s: %w", nodeID, err)
	}
	if len(res.Results) > 0 && res.Results[0].StatusCode != ua.StatusOK {
		return fmt.Errorf("opcuaclient: monitor %s: status %s", nodeID, res.Results[0].StatusCode)
	}
	return nil
}

// RestoreSubscriptions re-subscribes to every node ID requested since
// process start. It is invoked after every reconnect; the remembered set is
// never cleared except at final teardown.
func (c *Client) RestoreSubscriptions(ctx context.Context) error {
	c.subMu.Lock()
	snapshot := make(map[string]uint32, len(c.subscribed))
	for k, v := range c.subscribed {
		snapshot[k] = v
	}
	c.subMu.Unlock()

	var firstErr error
	for nodeID, handle := range snapshot {
		if err := c.subscribeHandle(ctx, nodeID, handle); err != nil {
			c.logger.Warn("opcuaclient: resubscribe failed", zap.String("node", nodeID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Client) client() *opcua.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Close tears the session down for good. Only called at process shutdown.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	c.connected = false
	return err
}

// logCertSubjectOnce logs a permissively-accepted certificate subject the
// first time it is seen, and silently accepts on every subsequent sighting.
func (c *Client) logCertSubjectOnce(subject string) {
	if _, loaded := c.loggedSubjects.LoadOrStore(subject, struct{}{}); !loaded {
		c.logger.Info("opcuaclient: accepting certificate (permissive validation)", zap.String("subject", subject))
	}
}
