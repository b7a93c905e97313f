// Package distributed replicates scene objects between one authoritative
// process and any number of mirrors. A Root owns the registry and the prefab
// catalog, an Object groups the replicated components of one node subtree and
// the components carry snapshots and deltas of their state.
package distributed

import (
	"fmt"
	"time"

	"github.com/zeusync/distsync/internal/core/events/bus"
	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/observability/metrics"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/scheduler"
)

// RootKey addresses root commands on every process.
const RootKey = "DistributedObjectsRoot"

// Network is the transport a root needs: message routing plus replay of the
// current state to peers that connect later.
type Network interface {
	protocol.Transport
	RegisterSender(sender protocol.InitialMessagesSender)
	UnregisterSender(sender protocol.InitialMessagesSender)
}

// Prefab builds the node subtree of a remotely instantiable object. The
// returned node must carry an Object created for root.
type Prefab struct {
	Name  string
	Build func(root *Root) *scene.Node
}

type RootConfig struct {
	// AuthoritativeDistributionAsDefault is the authority every object takes on Initialize.
	AuthoritativeDistributionAsDefault bool
	// Prefabs is the catalog; a prefab id is its index.
	Prefabs []Prefab
}

// Root is the process-wide registry of distributed objects.
type Root struct {
	node       *scene.Node
	network    Network
	logger     log.Log
	metrics    *metrics.Replication
	scheduler  *scheduler.Scheduler
	dispatcher *scheduler.Host

	authoritativeDefault bool
	prefabs              []Prefab
	objects              []*Object
	instantiated         []*Object

	ObjectRegistered   bus.Signal[*Object]
	ObjectUnregistered bus.Signal[*Object]
}

var (
	_ protocol.Addressable           = (*Root)(nil)
	_ protocol.InitialMessagesSender = (*Root)(nil)
)

// NewRoot registers a root for the scene below node with network.
func NewRoot(node *scene.Node, network Network, config RootConfig, logger log.Log, replication *metrics.Replication) (*Root, error) {
	if logger == nil {
		logger = log.Provide()
	}
	sched := scheduler.New()
	root := &Root{
		node:                 node,
		network:              network,
		logger:               logger.With(log.String("component", "distributed_root")),
		metrics:              replication,
		scheduler:            sched,
		dispatcher:           sched.NewHost("dispatcher", nil),
		authoritativeDefault: config.AuthoritativeDistributionAsDefault,
		prefabs:              append([]Prefab(nil), config.Prefabs...),
	}
	if err := network.Register(root); err != nil {
		return nil, fmt.Errorf("register root: %w", err)
	}
	network.RegisterSender(root)
	return root, nil
}

func (r *Root) Key() string { return RootKey }

// Node is the scene node relative paths are resolved from.
func (r *Root) Node() *scene.Node { return r.node }

func (r *Root) Scheduler() *scheduler.Scheduler { return r.scheduler }

// Dispatcher is the always-on host tasks fall back to while their own node is inactive.
func (r *Root) Dispatcher() *scheduler.Host { return r.dispatcher }

func (r *Root) AuthoritativeDistributionAsDefault() bool { return r.authoritativeDefault }

func (r *Root) SetAuthoritativeDistributionAsDefault(authoritative bool) {
	r.authoritativeDefault = authoritative
}

// RegisterPrefab appends prefab to the catalog and returns its id.
func (r *Root) RegisterPrefab(prefab Prefab) int {
	r.prefabs = append(r.prefabs, prefab)
	return len(r.prefabs) - 1
}

func (r *Root) Prefabs() []Prefab { return r.prefabs }

// Objects returns the registered objects in registration order.
func (r *Root) Objects() []*Object { return r.objects }

// Instantiated returns the live objects created from the catalog in creation order.
func (r *Root) Instantiated() []*Object { return r.instantiated }

// Tick advances every coroutine host by one step.
func (r *Root) Tick(now time.Time) {
	r.scheduler.Tick(now)
	r.metrics.SetLiveObjects(len(r.objects))
}

// Close detaches the root from the network.
func (r *Root) Close() {
	r.network.UnregisterSender(r)
	r.network.Unregister(r)
}

// RegisterObject routes messages for obj. Registering twice is a no-op.
func (r *Root) RegisterObject(obj *Object) error {
	if r.indexOf(r.objects, obj) >= 0 {
		return nil
	}
	if err := r.network.Register(obj); err != nil {
		return fmt.Errorf("register object %q: %w", obj.Key(), err)
	}
	r.objects = append(r.objects, obj)
	r.ObjectRegistered.Emit(obj)
	return nil
}

func (r *Root) UnregisterObject(obj *Object) {
	if i := r.indexOf(r.instantiated, obj); i >= 0 {
		r.instantiated = append(r.instantiated[:i], r.instantiated[i+1:]...)
	}
	i := r.indexOf(r.objects, obj)
	if i < 0 {
		return
	}
	r.objects = append(r.objects[:i], r.objects[i+1:]...)
	r.network.Unregister(obj)
	r.ObjectUnregistered.Emit(obj)
}

// InstantiateAndBroadcast builds prefab prefabID below relativePath and tells
// every peer to do the same before the new object starts sending.
func (r *Root) InstantiateAndBroadcast(prefabID int, relativePath string) (*Object, error) {
	obj, err := r.instantiate(prefabID, relativePath, "")
	if err != nil {
		return nil, err
	}
	if err := r.network.Broadcast(r.instantiateMessage(obj)); err != nil {
		r.logger.Warn("Failed to broadcast instantiation", log.Key(obj.Key()), log.Error(err))
	}
	r.start(obj)
	return obj, nil
}

// InstantiateSelectively is InstantiateAndBroadcast for an object only the
// given endpoints know about.
func (r *Root) InstantiateSelectively(prefabID int, relativePath string, endpoints []protocol.Endpoint) (*Object, error) {
	obj, err := r.instantiate(prefabID, relativePath, "")
	if err != nil {
		return nil, err
	}
	obj.selective = true
	obj.endpoints = append([]protocol.Endpoint(nil), endpoints...)
	for _, endpoint := range endpoints {
		if err := r.network.Unicast(endpoint, r.instantiateMessage(obj)); err != nil {
			r.logger.Warn("Failed to unicast instantiation", log.Key(obj.Key()), log.Endpoint(string(endpoint)), log.Error(err))
		}
	}
	r.start(obj)
	return obj, nil
}

// UnicastInitialMessages replays every authoritative object to a new peer:
// instantiated ones first, in creation order, then the ones placed in the scene.
func (r *Root) UnicastInitialMessages(endpoint protocol.Endpoint) {
	for _, obj := range r.instantiated {
		if !obj.IsAuthoritative() || !obj.allows(endpoint) {
			continue
		}
		r.unicastInstantiation(endpoint, obj)
		obj.UnicastInitialMessages(endpoint)
	}
	for _, obj := range r.objects {
		if obj.instantiated {
			continue
		}
		obj.UnicastInitialMessages(endpoint)
	}
}

func (r *Root) ReceiveMessage(sender protocol.Peer, message *protocol.Message) {
	command := message.Content.PopByte()
	switch command {
	case InstantiateDistributedObject:
		prefabID := message.Content.PopInt(4)
		relativePath := message.Content.PopString()
		name := message.Content.PopString()
		if err := message.Content.Err(); err != nil {
			r.protocolError("Malformed instantiate command", sender, err)
			return
		}
		obj, err := r.instantiate(prefabID, relativePath, name)
		if err != nil {
			r.logger.Error("Failed to instantiate received prefab",
				log.Int("prefab_id", prefabID),
				log.String("path", relativePath),
				log.Endpoint(string(sender.Endpoint())),
				log.Error(err))
			return
		}
		r.start(obj)
	default:
		r.protocolError("Unknown root command", sender,
			protocol.NewProtocolError(protocol.ErrorCodeUnknownCommand, "unknown root command", protocol.ErrUnknownCommand).
				WithContext("command", command))
	}
}

// forward rebroadcasts a message a mirror received unchanged.
func (r *Root) forward(message *protocol.Message) {
	if err := r.network.Broadcast(message); err != nil {
		r.logger.Warn("Failed to forward message", log.Key(message.AddressKey), log.Error(err))
	}
}

func (r *Root) unicastInstantiation(endpoint protocol.Endpoint, obj *Object) {
	if err := r.network.Unicast(endpoint, r.instantiateMessage(obj)); err != nil {
		r.logger.Warn("Failed to unicast instantiation", log.Key(obj.Key()), log.Endpoint(string(endpoint)), log.Error(err))
	}
}

func (r *Root) instantiate(prefabID int, relativePath, name string) (*Object, error) {
	if prefabID < 0 || prefabID >= len(r.prefabs) {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeInvalidPrefab,
			fmt.Sprintf("prefab id %d is outside the catalog of %d prefabs", prefabID, len(r.prefabs)),
			protocol.ErrInvalidPrefab)
	}
	prefab := r.prefabs[prefabID]
	node := prefab.Build(r)
	obj, ok := scene.ComponentOf[*Object](node)
	if !ok {
		return nil, protocol.NewProtocolError(protocol.ErrorCodePrefabWithoutObject,
			fmt.Sprintf("prefab %q has no distributed object on its root node", prefab.Name),
			protocol.ErrPrefabWithoutObject)
	}

	if name != "" {
		node.SetName(name)
	}
	r.node.GetOrCreateChild(relativePath).AddChild(node)
	if name == "" {
		scene.MakeUniqueName(node)
	}

	obj.instantiated = true
	obj.prefabID = prefabID
	obj.spawnPath = relativePath
	r.instantiated = append(r.instantiated, obj)
	return obj, nil
}

// instantiateMessage pops as [command][prefab id][relative path][object name].
func (r *Root) instantiateMessage(obj *Object) *protocol.Message {
	message := protocol.NewMessage(RootKey, protocol.ReliableOrdered)
	message.Content.PushString(obj.node.Name())
	message.Content.PushString(obj.spawnPath)
	message.Content.PushInt(obj.prefabID, 4)
	message.Content.PushByte(InstantiateDistributedObject)
	return message
}

// start runs the object lifecycle, then the lifecycle of every component in its subtree.
func (r *Root) start(obj *Object) {
	if err := obj.Start(); err != nil {
		r.logger.Error("Failed to start object", log.Key(obj.Key()), log.Error(err))
		return
	}
	for _, starter := range scene.ComponentsInChildren[starter](obj.node) {
		if starter == obj {
			continue
		}
		if err := starter.Start(); err != nil {
			r.logger.Error("Failed to start component", log.Key(obj.Key()), log.Error(err))
		}
	}
}

func (r *Root) protocolError(msg string, sender protocol.Peer, err error) {
	r.metrics.ProtocolError(protocol.GetErrorCode(err).String())
	r.logger.Error(msg, log.Endpoint(string(sender.Endpoint())), log.Error(err))
}

func (r *Root) indexOf(list []*Object, obj *Object) int {
	for i, candidate := range list {
		if candidate == obj {
			return i
		}
	}
	return -1
}

type starter interface {
	Start() error
}
