package distributed

import (
	"github.com/zeusync/distsync/internal/core/events/bus"
	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/scheduler"
)

type InitializationState uint8

const (
	Deinitialized InitializationState = iota
	Initializing
	Initialized
)

func (s InitializationState) String() string {
	switch s {
	case Deinitialized:
		return "deinitialized"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// CoroutinesState tells which host runs a component's required coroutines.
type CoroutinesState uint8

const (
	Stopped CoroutinesState = iota
	RunningOnObject
	RunningOnDispatcher
)

func (s CoroutinesState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case RunningOnObject:
		return "running_on_object"
	case RunningOnDispatcher:
		return "running_on_dispatcher"
	default:
		return "unknown"
	}
}

// Coroutine is a named per-tick task a component keeps running while initialized.
type Coroutine struct {
	Name string
	Task scheduler.Task
}

// Hooks is implemented by every synchronizer embedding a DistributedComponent.
type Hooks interface {
	// ComponentKey is appended to the object key and node path.
	ComponentKey() string
	// PushSnapshot writes the full state. Returning false skips the send.
	PushSnapshot(content *protocol.BytesStack) bool
	ApplySnapshot(message *protocol.Message)
	RequiredCoroutines() []Coroutine
}

// InitializedHook is run once a component reaches Initialized.
type InitializedHook interface {
	OnInitialized()
}

// AuthorityHook is run when the parent object gains or loses authority.
type AuthorityHook interface {
	OnAuthorityChanged(authoritative bool)
}

// DistributedComponent carries the lifecycle and messaging shared by every
// synchronizer. Synchronizers embed it and pass themselves as Hooks.
type DistributedComponent struct {
	hooks  Hooks
	node   *scene.Node
	parent *Object
	key    string

	state           InitializationState
	coroutinesState CoroutinesState
	handles         []*scheduler.Handle
	host            *scheduler.Host
	enabled         bool
	destroyed       bool

	destroyWithoutParent bool

	pending   bus.Subscriptions
	authority bus.Subscription

	parseMessage func(message *protocol.Message)
	wrapSnapshot func(message *protocol.Message)
}

var (
	_ Component                = (*DistributedComponent)(nil)
	_ scene.ActivationListener = (*DistributedComponent)(nil)
	_ scene.DestroyListener    = (*DistributedComponent)(nil)
)

// NewDistributedComponent builds the shared part of a synchronizer living on
// node. The synchronizer itself, passed as hooks, is attached to the node.
func NewDistributedComponent(node *scene.Node, hooks Hooks) *DistributedComponent {
	c := &DistributedComponent{
		hooks:                hooks,
		node:                 node,
		enabled:              true,
		destroyWithoutParent: true,
	}
	c.parseMessage = func(message *protocol.Message) { c.hooks.ApplySnapshot(message) }
	c.wrapSnapshot = func(*protocol.Message) {}
	node.AddComponent(hooks)
	return c
}

// Key is the object key, the node path from the object and the component key.
func (c *DistributedComponent) Key() string {
	if c.key != "" {
		return c.key
	}
	parent := c.ParentObject()
	if parent == nil {
		return ""
	}
	objectKey := parent.Key()
	if objectKey == "" {
		return ""
	}
	path, err := scene.RelativePath(parent.node, c.node)
	if err != nil {
		return ""
	}
	c.key = objectKey + path + c.hooks.ComponentKey()
	return c.key
}

func (c *DistributedComponent) Node() *scene.Node { return c.node }

func (c *DistributedComponent) State() InitializationState { return c.state }

func (c *DistributedComponent) IsInitialized() bool { return c.state == Initialized }

func (c *DistributedComponent) CoroutinesState() CoroutinesState { return c.coroutinesState }

func (c *DistributedComponent) IsDestroyed() bool { return c.destroyed }

// SetDestroyWithoutParent chooses whether a component with no usable parent
// object removes itself or stays deinitialized.
func (c *DistributedComponent) SetDestroyWithoutParent(destroy bool) {
	c.destroyWithoutParent = destroy
}

func (c *DistributedComponent) Enabled() bool { return c.enabled }

// SetEnabled toggles the component; a disabled component runs its coroutines on the dispatcher.
func (c *DistributedComponent) SetEnabled(enabled bool) {
	if c.enabled == enabled {
		return
	}
	c.enabled = enabled
	c.onVisibilityChanged()
}

// ParentObject is the nearest Object on the node or its ancestors.
func (c *DistributedComponent) ParentObject() *Object {
	if c.parent != nil {
		return c.parent
	}
	for node := c.node; node != nil; node = node.Parent() {
		if obj, ok := scene.ComponentOf[*Object](node); ok {
			c.parent = obj
			break
		}
	}
	return c.parent
}

// Start moves the component towards Initialized, waiting for the parent
// object when it is not initialized yet.
func (c *DistributedComponent) Start() error {
	if c.destroyed || c.state != Deinitialized {
		return nil
	}
	parent := c.ParentObject()
	if parent == nil || parent.WillBeDestroyed() {
		if c.destroyWithoutParent {
			c.SelfDestroy()
		}
		return nil
	}
	c.state = Initializing
	if parent.IsInitialized() {
		c.Initialize()
		return nil
	}
	c.pending.Add(parent.Initialized.Subscribe(func(*Object) { c.Initialize() }))
	c.pending.Add(parent.DestroyCalled.Subscribe(func(*Object) {
		if c.destroyWithoutParent {
			c.SelfDestroy()
		} else {
			c.Deinitialize()
		}
	}))
	return nil
}

// Initialize registers with the parent object, announces the state with a
// reliable snapshot and starts the required coroutines.
func (c *DistributedComponent) Initialize() {
	if c.state == Initialized || c.destroyed {
		return
	}
	c.pending.CancelAll()
	parent := c.ParentObject()
	if parent == nil || !parent.IsInitialized() {
		return
	}
	if err := parent.RegisterComponent(c); err != nil {
		c.logger().Error("Failed to register component", log.Key(c.Key()), log.Error(err))
		c.state = Deinitialized
		return
	}
	c.state = Initialized
	c.BroadcastSnapshot(true)
	if hook, ok := c.hooks.(InitializedHook); ok {
		hook.OnInitialized()
	}
	c.authority = parent.AuthorityChanged.Subscribe(c.onAuthorityChanged)
	c.StartRequiredCoroutines()
}

// Deinitialize stops the coroutines and unregisters from the parent object.
func (c *DistributedComponent) Deinitialize() {
	if c.state == Deinitialized {
		return
	}
	c.pending.CancelAll()
	if c.authority != nil {
		c.authority.Cancel()
		c.authority = nil
	}
	c.StopRequiredCoroutines()
	wasInitialized := c.state == Initialized
	c.state = Deinitialized
	if wasInitialized {
		c.parent.UnregisterComponent(c)
	}
}

// SelfDestroy deinitializes the component and detaches it from its node.
func (c *DistributedComponent) SelfDestroy() {
	if c.destroyed {
		return
	}
	c.Deinitialize()
	c.destroyed = true
	if c.host != nil {
		c.host.Close()
		c.host = nil
	}
	c.node.RemoveComponent(c.hooks)
}

// OnNodeDestroyed destroys the component along with its node.
func (c *DistributedComponent) OnNodeDestroyed() {
	c.SelfDestroy()
}

// OnActivationChanged moves the coroutines to the host matching the new visibility.
func (c *DistributedComponent) OnActivationChanged(bool) {
	c.onVisibilityChanged()
}

// StartRequiredCoroutines runs the coroutines on the component's own host
// while it is visible and on the root dispatcher otherwise.
func (c *DistributedComponent) StartRequiredCoroutines() {
	if c.coroutinesState != Stopped {
		c.logger().Warn("Required coroutines are already running",
			log.Key(c.Key()),
			log.String("state", c.coroutinesState.String()))
		return
	}
	parent := c.ParentObject()
	if parent == nil || parent.root == nil {
		return
	}
	host := parent.root.dispatcher
	c.coroutinesState = RunningOnDispatcher
	if c.visible() {
		host = c.ownHost(parent.root)
		c.coroutinesState = RunningOnObject
	}
	for _, coroutine := range c.hooks.RequiredCoroutines() {
		c.handles = append(c.handles, host.Go(coroutine.Name, coroutine.Task))
	}
}

func (c *DistributedComponent) StopRequiredCoroutines() {
	for _, handle := range c.handles {
		handle.Cancel()
	}
	c.handles = nil
	c.coroutinesState = Stopped
}

// UnicastInitialMessages sends one reliable snapshot to endpoint.
func (c *DistributedComponent) UnicastInitialMessages(endpoint protocol.Endpoint) {
	c.UnicastSnapshot(endpoint, true)
}

// BroadcastSnapshot sends the current state to every peer the object reaches.
func (c *DistributedComponent) BroadcastSnapshot(reliable bool) {
	message := c.snapshotMessage(reliable)
	if message == nil {
		return
	}
	c.BroadcastMessage(message)
}

func (c *DistributedComponent) UnicastSnapshot(endpoint protocol.Endpoint, reliable bool) {
	message := c.snapshotMessage(reliable)
	if message == nil {
		return
	}
	c.UnicastMessage(endpoint, message)
}

func (c *DistributedComponent) BroadcastMessage(message *protocol.Message) {
	if c.state == Initialized {
		c.parent.BroadcastMessage(message)
	}
}

func (c *DistributedComponent) UnicastMessage(endpoint protocol.Endpoint, message *protocol.Message) {
	if c.state == Initialized {
		c.parent.UnicastMessage(endpoint, message)
	}
}

// ReceiveMessage applies a message on a mirror and forwards a copy when the
// object asks for it. Authoritative components ignore inbound state.
func (c *DistributedComponent) ReceiveMessage(sender protocol.Peer, message *protocol.Message) {
	parent := c.ParentObject()
	if parent == nil || parent.IsAuthoritative() {
		return
	}
	var forwarded *protocol.Message
	if parent.forwardMessages {
		forwarded = message.Clone()
	}
	c.parseMessage(message)
	if forwarded == nil {
		return
	}
	if forwarded.AddressKey == "" {
		c.logger().Error("Cannot forward a message without an address key",
			log.Endpoint(string(sender.Endpoint())),
			log.String("component_key", c.hooks.ComponentKey()))
		return
	}
	parent.root.forward(forwarded)
}

// IsAuthoritative reports the authority of the parent object.
func (c *DistributedComponent) IsAuthoritative() bool {
	parent := c.ParentObject()
	return parent != nil && parent.IsAuthoritative()
}

// Root returns the root of the parent object, if any.
func (c *DistributedComponent) Root() *Root {
	if parent := c.ParentObject(); parent != nil {
		return parent.root
	}
	return nil
}

func (c *DistributedComponent) snapshotMessage(reliable bool) *protocol.Message {
	if c.state != Initialized || !c.parent.IsAuthoritative() {
		return nil
	}
	quality := protocol.Unreliable
	if reliable {
		quality = protocol.ReliableSequenced
	}
	message := protocol.NewMessage(c.Key(), quality)
	if !c.hooks.PushSnapshot(message.Content) {
		return nil
	}
	c.wrapSnapshot(message)
	return message
}

func (c *DistributedComponent) onAuthorityChanged(authoritative bool) {
	if hook, ok := c.hooks.(AuthorityHook); ok {
		hook.OnAuthorityChanged(authoritative)
	}
	if c.coroutinesState == Stopped {
		c.StartRequiredCoroutines()
		return
	}
	c.StopRequiredCoroutines()
	c.StartRequiredCoroutines()
}

func (c *DistributedComponent) onVisibilityChanged() {
	if c.coroutinesState == Stopped {
		return
	}
	visible := c.visible()
	if visible == (c.coroutinesState == RunningOnObject) {
		return
	}
	c.StopRequiredCoroutines()
	c.StartRequiredCoroutines()
}

func (c *DistributedComponent) visible() bool {
	return c.enabled && c.node.ActiveInHierarchy()
}

func (c *DistributedComponent) ownHost(root *Root) *scheduler.Host {
	if c.host == nil {
		c.host = root.scheduler.NewHost(c.Key(), c.visible)
	}
	return c.host
}

func (c *DistributedComponent) logger() log.Log {
	if root := c.Root(); root != nil {
		return root.logger.With(log.String("component", "distributed_component"))
	}
	return log.Provide().With(log.String("component", "distributed_component"))
}

func (c *DistributedComponent) metricsLabel() string {
	return c.hooks.ComponentKey()
}

func (c *DistributedComponent) protocolError(msg string, err error) {
	if root := c.Root(); root != nil {
		root.metrics.ProtocolError(protocol.GetErrorCode(err).String())
	}
	c.logger().Error(msg, log.Key(c.Key()), log.Error(err))
}

func (c *DistributedComponent) staleDropped() {
	if root := c.Root(); root != nil {
		root.metrics.Stale(c.metricsLabel())
	}
}
