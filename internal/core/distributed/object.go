package distributed

import (
	"time"

	"github.com/zeusync/distsync/internal/core/events/bus"
	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/scheduler"
)

// Component is what an Object needs from the replicated components it groups.
type Component interface {
	protocol.Addressable
	UnicastInitialMessages(endpoint protocol.Endpoint)
	Deinitialize()
}

type ObjectOption func(*Object)

// WithIdentity keys the object by source instead of by its scene path.
func WithIdentity(source IdentitySource) ObjectOption {
	return func(o *Object) { o.identity = source }
}

// WithSelectiveDistribution limits the object to the given endpoints.
func WithSelectiveDistribution(endpoints ...protocol.Endpoint) ObjectOption {
	return func(o *Object) {
		o.selective = true
		o.endpoints = append(o.endpoints, endpoints...)
	}
}

// WithForwardMessages makes a mirror rebroadcast every message it receives for this object.
func WithForwardMessages() ObjectOption {
	return func(o *Object) { o.forwardMessages = true }
}

// Object is the unit of replication: one node subtree whose components share
// authority and distribution settings.
type Object struct {
	root     *Root
	node     *scene.Node
	identity IdentitySource
	logger   log.Log

	key             string
	initialized     bool
	willBeDestroyed bool
	destroyed       bool
	authoritative   bool
	selective       bool
	endpoints       []protocol.Endpoint
	forwardMessages bool
	components      []Component
	identityWait    *scheduler.Handle

	instantiated bool
	prefabID     int
	spawnPath    string

	Initialized           bus.Signal[*Object]
	DestroyCalled         bus.Signal[*Object]
	ComponentRegistered   bus.Signal[Component]
	ComponentUnregistered bus.Signal[Component]
	AuthorityChanged      bus.Signal[bool]
}

var (
	_ protocol.Addressable     = (*Object)(nil)
	_ scene.ActivationListener = (*Object)(nil)
	_ scene.DestroyListener    = (*Object)(nil)
)

// NewObject attaches a new object to node. root may be nil, in which case
// the object destroys itself on Start.
func NewObject(root *Root, node *scene.Node, options ...ObjectOption) *Object {
	o := &Object{root: root, node: node}
	for _, option := range options {
		option(o)
	}
	if root != nil {
		o.logger = root.logger.With(log.String("component", "distributed_object"))
	} else {
		o.logger = log.Provide().With(log.String("component", "distributed_object"))
	}
	node.AddComponent(o)
	return o
}

// Key is "<identity>/" when an identity source is set, otherwise the node
// path relative to the root. It is empty until it can be computed.
func (o *Object) Key() string {
	if o.key != "" {
		return o.key
	}
	if o.identity != nil {
		id, ok := o.identity.Identity()
		if !ok {
			return ""
		}
		o.key = id + scene.PathSeparator
		return o.key
	}
	if o.root == nil {
		return ""
	}
	path, err := scene.RelativePath(o.root.node, o.node)
	if err != nil || path == "" {
		return ""
	}
	o.key = path
	return o.key
}

func (o *Object) Root() *Root { return o.root }

func (o *Object) Node() *scene.Node { return o.node }

func (o *Object) IsInitialized() bool { return o.initialized }

func (o *Object) WillBeDestroyed() bool { return o.willBeDestroyed }

func (o *Object) IsAuthoritative() bool { return o.authoritative }

func (o *Object) SelectiveDistribution() bool { return o.selective }

func (o *Object) ForwardMessages() bool { return o.forwardMessages }

func (o *Object) SetForwardMessages(forward bool) { o.forwardMessages = forward }

// Endpoints returns the allow-list used under selective distribution.
func (o *Object) Endpoints() []protocol.Endpoint { return o.endpoints }

// Components returns the registered components in registration order.
func (o *Object) Components() []Component { return o.components }

// Start initializes the object, after waiting for its identity when the
// source has none yet. Without a root the object destroys itself.
func (o *Object) Start() error {
	if o.destroyed || o.initialized {
		return nil
	}
	if o.root == nil {
		o.willBeDestroyed = true
		o.DestroyCalled.Emit(o)
		o.Destroy()
		return protocol.NewProtocolError(protocol.ErrorCodeMissingRoot,
			"object "+scene.Path(o.node)+" has no distributed objects root", protocol.ErrMissingRoot)
	}
	if o.identity != nil {
		if _, ok := o.identity.Identity(); !ok {
			if o.identityWait == nil {
				o.identityWait = o.root.dispatcher.Go("await_identity", o.awaitIdentity)
			}
			return nil
		}
	}
	return o.Initialize()
}

func (o *Object) awaitIdentity(time.Time) bool {
	if _, ok := o.identity.Identity(); !ok {
		return true
	}
	o.identityWait = nil
	if err := o.Initialize(); err != nil {
		o.logger.Error("Failed to initialize object", log.Key(o.Key()), log.Error(err))
	}
	return false
}

// Initialize takes the default authority, registers with the root and
// announces the activation state. An object that cannot register is given
// up: it reports DestroyCalled and never initializes.
func (o *Object) Initialize() error {
	if o.initialized {
		return nil
	}
	o.authoritative = o.root.authoritativeDefault
	if err := o.root.RegisterObject(o); err != nil {
		// Components waiting on Initialized hear DestroyCalled instead.
		if !o.willBeDestroyed {
			o.willBeDestroyed = true
			o.DestroyCalled.Emit(o)
		}
		return err
	}
	o.initialized = true
	o.Initialized.Emit(o)
	o.BroadcastMessage(o.stateMessage(o.node.ActiveInHierarchy()))
	return nil
}

// SetAuthoritative reassigns authority and notifies the components.
func (o *Object) SetAuthoritative(authoritative bool) {
	if o.authoritative == authoritative {
		return
	}
	o.authoritative = authoritative
	o.AuthorityChanged.Emit(authoritative)
}

func (o *Object) RegisterComponent(component Component) error {
	for _, registered := range o.components {
		if registered == component {
			return nil
		}
	}
	if err := o.root.network.Register(component); err != nil {
		return err
	}
	o.components = append(o.components, component)
	o.ComponentRegistered.Emit(component)
	return nil
}

func (o *Object) UnregisterComponent(component Component) {
	for i, registered := range o.components {
		if registered != component {
			continue
		}
		o.components = append(o.components[:i], o.components[i+1:]...)
		o.root.network.Unregister(component)
		o.ComponentUnregistered.Emit(component)
		return
	}
}

// BroadcastMessage sends message to every peer, or to the allowed endpoints
// under selective distribution. Mirrors never send.
func (o *Object) BroadcastMessage(message *protocol.Message) {
	if !o.authoritative || o.root == nil {
		return
	}
	if o.selective {
		for _, endpoint := range o.endpoints {
			o.unicast(endpoint, message)
		}
		return
	}
	if err := o.root.network.Broadcast(message); err != nil {
		o.logger.Debug("Broadcast dropped", log.Key(message.AddressKey), log.Error(err))
	}
}

// UnicastMessage sends message to endpoint when the object may reach it.
func (o *Object) UnicastMessage(endpoint protocol.Endpoint, message *protocol.Message) {
	if !o.authoritative || o.root == nil || !o.allows(endpoint) {
		return
	}
	o.unicast(endpoint, message)
}

func (o *Object) unicast(endpoint protocol.Endpoint, message *protocol.Message) {
	if err := o.root.network.Unicast(endpoint, message); err != nil {
		o.logger.Debug("Unicast dropped", log.Key(message.AddressKey), log.Endpoint(string(endpoint)), log.Error(err))
	}
}

// UnicastInitialMessages sends the activation state, then one reliable
// snapshot per component in registration order.
func (o *Object) UnicastInitialMessages(endpoint protocol.Endpoint) {
	if !o.initialized {
		return
	}
	o.UnicastMessage(endpoint, o.stateMessage(o.node.ActiveInHierarchy()))
	for _, component := range o.components {
		component.UnicastInitialMessages(endpoint)
	}
}

func (o *Object) ReceiveMessage(sender protocol.Peer, message *protocol.Message) {
	if o.authoritative {
		return
	}
	var forwarded *protocol.Message
	if o.forwardMessages {
		forwarded = message.Clone()
	}
	command := message.Content.PopByte()
	if err := message.Content.Err(); err != nil {
		o.protocolError(sender, err)
		return
	}
	switch command {
	case Enable:
		o.node.SetActive(true)
	case Disable:
		o.node.SetActive(false)
	default:
		o.protocolError(sender, protocol.NewProtocolError(protocol.ErrorCodeUnknownCommand,
			"unknown object command", protocol.ErrUnknownCommand).WithContext("command", command))
		return
	}
	if forwarded != nil {
		o.root.forward(forwarded)
	}
}

// OnActivationChanged announces activation changes of the object's node.
func (o *Object) OnActivationChanged(active bool) {
	if !o.initialized || !o.authoritative {
		return
	}
	o.BroadcastMessage(o.stateMessage(active))
}

// AddEndpoint lets endpoint receive the object and replays its state there.
func (o *Object) AddEndpoint(endpoint protocol.Endpoint) error {
	if !o.selective {
		return protocol.NewProtocolError(protocol.ErrorCodeSelectiveDistributionDisabled,
			"cannot add an endpoint to "+o.Key(), protocol.ErrSelectiveDistributionDisabled)
	}
	if o.allows(endpoint) {
		return nil
	}
	o.endpoints = append(o.endpoints, endpoint)
	if !o.initialized {
		return nil
	}
	if o.instantiated && o.authoritative {
		o.root.unicastInstantiation(endpoint, o)
	}
	o.UnicastInitialMessages(endpoint)
	return nil
}

func (o *Object) RemoveEndpoint(endpoint protocol.Endpoint) error {
	if !o.selective {
		return protocol.NewProtocolError(protocol.ErrorCodeSelectiveDistributionDisabled,
			"cannot remove an endpoint from "+o.Key(), protocol.ErrSelectiveDistributionDisabled)
	}
	for i, allowed := range o.endpoints {
		if allowed == endpoint {
			o.endpoints = append(o.endpoints[:i], o.endpoints[i+1:]...)
			break
		}
	}
	return nil
}

// Destroy unregisters the components in reverse registration order, then
// the object, and removes the node from the scene.
func (o *Object) Destroy() {
	if o.destroyed {
		return
	}
	o.destroyed = true
	if !o.willBeDestroyed {
		o.willBeDestroyed = true
		o.DestroyCalled.Emit(o)
	}
	if o.identityWait != nil {
		o.identityWait.Cancel()
		o.identityWait = nil
	}
	components := append([]Component(nil), o.components...)
	for i := len(components) - 1; i >= 0; i-- {
		components[i].Deinitialize()
	}
	if o.root != nil {
		o.root.UnregisterObject(o)
	}
	o.initialized = false
	o.node.Destroy()
}

// OnNodeDestroyed destroys the object along with its node.
func (o *Object) OnNodeDestroyed() {
	o.Destroy()
}

func (o *Object) allows(endpoint protocol.Endpoint) bool {
	if !o.selective {
		return true
	}
	for _, allowed := range o.endpoints {
		if allowed == endpoint {
			return true
		}
	}
	return false
}

func (o *Object) stateMessage(active bool) *protocol.Message {
	message := protocol.NewMessage(o.Key(), protocol.ReliableOrdered)
	if active {
		message.Content.PushByte(Enable)
	} else {
		message.Content.PushByte(Disable)
	}
	return message
}

func (o *Object) protocolError(sender protocol.Peer, err error) {
	o.root.metrics.ProtocolError(protocol.GetErrorCode(err).String())
	o.logger.Error("Dropping object message",
		log.Key(o.Key()),
		log.Endpoint(string(sender.Endpoint())),
		log.Error(err))
}
