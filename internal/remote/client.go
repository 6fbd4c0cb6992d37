package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// servicePrefix is the full gRPC service name of the pump bridge. Every
// method takes and returns a google.protobuf.Struct.
const servicePrefix = "/pumpbridge.v1.PumpBridge/"

const defaultCallTimeout = 5 * time.Second

// #region client-struct

// BridgeClient drives a pump that sits behind a remote bridge process
// (typically the phone or a BLE gateway). It satisfies pump.Driver and
// executor.Adapter.
type BridgeClient struct {
	conn        grpc.ClientConnInterface
	cc          *grpc.ClientConn
	callTimeout time.Duration

	mu     sync.Mutex
	state  pump.DeviceState
	idle   int
	linkOK bool
}

// statusWire is the status object the bridge returns with link and
// command responses.
type statusWire struct {
	pump.DeviceState
	IdleSeconds int `json:"idle_seconds"`
}

// #endregion client-struct

// #region constructor

// NewClient connects to the bridge at addr.
func NewClient(addr string) (*BridgeClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := NewClientWithConn(conn)
	c.cc = conn
	return c, nil
}

// NewClientWithConn wraps an existing connection. Tests pass a fake.
func NewClientWithConn(conn grpc.ClientConnInterface) *BridgeClient {
	return &BridgeClient{conn: conn, callTimeout: defaultCallTimeout, idle: 5}
}

func (c *BridgeClient) Close() error {
	if c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// #endregion constructor

// #region link

func (c *BridgeClient) Connect(reason string) {
	if _, err := c.call(context.Background(), "Connect", map[string]any{"reason": reason}); err != nil {
		log.Printf("[BRIDGE] connect: %v", err)
	}
}

func (c *BridgeClient) Disconnect(reason string) {
	if _, err := c.call(context.Background(), "Disconnect", map[string]any{"reason": reason}); err != nil {
		log.Printf("[BRIDGE] disconnect: %v", err)
	}
}

func (c *BridgeClient) StopConnecting() {
	if _, err := c.call(context.Background(), "StopConnecting", nil); err != nil {
		log.Printf("[BRIDGE] stop connecting: %v", err)
	}
}

func (c *BridgeClient) IsConnected() bool {
	return c.link() == "connected"
}

func (c *BridgeClient) IsConnecting() bool {
	return c.link() == "connecting"
}

func (c *BridgeClient) IsHandshakeInProgress() bool {
	return c.link() == "handshaking"
}

// link asks the bridge for its link state. An unreachable bridge reports
// "connecting" so the executor keeps counting toward its timeout.
func (c *BridgeClient) link() string {
	resp, err := c.call(context.Background(), "LinkState", nil)
	if err != nil {
		c.mu.Lock()
		if c.linkOK {
			log.Printf("[BRIDGE] link state: %v", err)
		}
		c.linkOK = false
		c.mu.Unlock()
		return "connecting"
	}
	c.mu.Lock()
	c.linkOK = true
	c.mu.Unlock()
	return resp.GetFields()["state"].GetStringValue()
}

// PowerCycle asks the bridge to restart its radio.
func (c *BridgeClient) PowerCycle(ctx context.Context) error {
	if _, err := c.call(ctx, "PowerCycle", nil); err != nil {
		return fmt.Errorf("power cycle: %w", err)
	}
	return nil
}

// #endregion link

// #region execute

// Execute forwards cmd to the bridge. It runs under the caller's deadline
// only, since a bolus can outlast the link call timeout. A status object in
// the response refreshes the cached delivery state.
func (c *BridgeClient) Execute(ctx context.Context, cmd *queue.Command) pump.Result {
	payload, err := toMap(cmd.Payload)
	if err != nil {
		return pump.Result{Comment: err.Error()}
	}
	resp, err := c.invoke(ctx, "Execute", map[string]any{
		"id":      cmd.ID,
		"kind":    string(cmd.Kind),
		"source":  cmd.Source,
		"payload": payload,
	})
	if err != nil {
		return pump.Result{Comment: err.Error()}
	}
	f := resp.GetFields()
	if st := f["status"].GetStructValue(); st != nil {
		if err := c.applyStatus(st); err != nil {
			log.Printf("[BRIDGE] bad status in response: %v", err)
		}
	}
	return pump.Result{
		Success: f["success"].GetBoolValue(),
		Enacted: f["enacted"].GetBoolValue(),
		Comment: f["comment"].GetStringValue(),
	}
}

// applyStatus merges the fields present in st into the cache. Absent
// fields and zero limits keep their previous values.
func (c *BridgeClient) applyStatus(st *structpb.Struct) error {
	raw, err := st.MarshalJSON()
	if err != nil {
		return err
	}
	var w statusWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	has := func(key string) bool {
		_, ok := st.GetFields()[key]
		return ok
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if has("phase") && w.Phase != "" {
		c.state.Phase = w.Phase
	}
	if has("active_temp") {
		c.state.ActiveTemp = w.ActiveTemp
	}
	if has("base_basal_rate") && w.BaseBasalRate > 0 {
		c.state.BaseBasalRate = w.BaseBasalRate
	}
	if has("limits") && w.Limits != (pump.Limits{}) {
		c.state.Limits = w.Limits
	}
	if !w.UpdatedAt.IsZero() {
		c.state.UpdatedAt = w.UpdatedAt
	}
	if w.IdleSeconds > 0 {
		c.idle = w.IdleSeconds
	}
	return nil
}

// #endregion execute

// #region cached-state

func (c *BridgeClient) WaitForDisconnectionInSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

func (c *BridgeClient) Limits() pump.Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Limits
}

func (c *BridgeClient) BaseBasalRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.BaseBasalRate
}

func (c *BridgeClient) ActiveTemp() *pump.ActiveTemp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.ActiveTemp == nil || !c.state.ActiveTemp.RunningAt(time.Now()) {
		return nil
	}
	t := *c.state.ActiveTemp
	return &t
}

// Seed primes the cache, e.g. from persisted state before the first read.
func (c *BridgeClient) Seed(st pump.DeviceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = st.Clone()
}

// #endregion cached-state

// #region rpc

// call runs a link RPC under the call timeout.
func (c *BridgeClient) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.invoke(ctx, method, req)
}

func (c *BridgeClient) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, servicePrefix+method, in, out); err != nil {
		return nil, fmt.Errorf("%s rpc: %w", method, err)
	}
	return out, nil
}

// toMap turns a payload into the plain map structpb accepts.
func toMap(p queue.Payload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return m, nil
}

// #endregion rpc
