package distributed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/observability/metrics"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/systems/animation"
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

const (
	boxPrefab = iota
	emptyPrefab
	carPrefab
)

var carSpawnPosition = physics.Vec3(10, 2, -5)

func testPrefabs() []Prefab {
	return []Prefab{
		boxPrefab: {Name: "Box", Build: func(root *Root) *scene.Node {
			node := scene.NewNode("Box")
			NewObject(root, node)
			NewTransform(node)
			return node
		}},
		emptyPrefab: {Name: "Empty", Build: func(*Root) *scene.Node {
			return scene.NewNode("Empty")
		}},
		carPrefab: {Name: "Car", Build: func(root *Root) *scene.Node {
			node := scene.NewNode("Car")
			node.LocalPosition = carSpawnPosition
			NewObject(root, node)
			NewTransform(node)
			wheel := scene.NewNode("Wheel")
			node.AddChild(wheel)
			NewTransform(wheel)
			NewAnimator(node,
				animation.Parameter{Name: "Speed", Type: animation.ParameterFloat},
				animation.Parameter{Name: "Gear", Type: animation.ParameterInt},
				animation.Parameter{Name: "Lights", Type: animation.ParameterBool},
			)
			return node
		}},
	}
}

// countingNetwork records what a root hands to the transport.
type countingNetwork struct {
	*protocol.Manager
	broadcasts []*protocol.Message
	unicasts   map[protocol.Endpoint][]*protocol.Message
}

func newCountingNetwork(manager *protocol.Manager) *countingNetwork {
	return &countingNetwork{Manager: manager, unicasts: make(map[protocol.Endpoint][]*protocol.Message)}
}

func (n *countingNetwork) Broadcast(message *protocol.Message) error {
	n.broadcasts = append(n.broadcasts, message.Clone())
	return n.Manager.Broadcast(message)
}

func (n *countingNetwork) Unicast(endpoint protocol.Endpoint, message *protocol.Message) error {
	n.unicasts[endpoint] = append(n.unicasts[endpoint], message.Clone())
	return n.Manager.Unicast(endpoint, message)
}

func (n *countingNetwork) sent() int {
	count := len(n.broadcasts)
	for _, messages := range n.unicasts {
		count += len(messages)
	}
	return count
}

func (n *countingNetwork) reset() {
	n.broadcasts = nil
	n.unicasts = make(map[protocol.Endpoint][]*protocol.Message)
}

type testPeer struct {
	endpoint protocol.Endpoint
	manager  *protocol.Manager
	network  *countingNetwork
	root     *Root
	scene    *scene.Node
}

type cluster struct {
	t       *testing.T
	network *protocol.LoopbackNetwork
	now     time.Time
	peers   []*testPeer
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	return &cluster{
		t:       t,
		network: protocol.NewLoopbackNetwork(protocol.LoopbackOptions{}),
		now:     time.Unix(1_700_000_000, 0),
	}
}

func (c *cluster) clock() time.Time { return c.now }

func (c *cluster) join(endpoint protocol.Endpoint, authoritative bool) *testPeer {
	return c.joinWith(endpoint, authoritative, log.NewNop(), nil)
}

func (c *cluster) joinWith(endpoint protocol.Endpoint, authoritative bool, logger log.Log, replication *metrics.Replication) *testPeer {
	c.t.Helper()
	manager := protocol.NewManager(protocol.DefaultManagerConfig(), logger, replication)
	manager.SetClock(c.clock)
	manager.Attach(c.network.Join(endpoint, manager))

	network := newCountingNetwork(manager)
	sceneRoot := scene.NewNode("Scene")
	root, err := NewRoot(sceneRoot, network, RootConfig{
		AuthoritativeDistributionAsDefault: authoritative,
		Prefabs:                            testPrefabs(),
	}, logger, replication)
	require.NoError(c.t, err)

	peer := &testPeer{endpoint: endpoint, manager: manager, network: network, root: root, scene: sceneRoot}
	c.peers = append(c.peers, peer)
	return peer
}

func (c *cluster) connect(a, b *testPeer) {
	c.t.Helper()
	require.NoError(c.t, c.network.Connect(a.endpoint, b.endpoint))
	c.settle()
}

// settle dispatches and delivers until no frame is in flight.
func (c *cluster) settle() {
	for i := 0; i < 32; i++ {
		for _, peer := range c.peers {
			peer.manager.Dispatch()
		}
		if c.network.Pump() == 0 {
			return
		}
	}
	c.t.Fatal("network did not settle")
}

// step advances the clock, ticks every root and settles the network.
func (c *cluster) step(d time.Duration) {
	c.now = c.now.Add(d)
	for _, peer := range c.peers {
		peer.root.Tick(c.now)
	}
	c.settle()
}

// newStandaloneRoot builds a root on a manager without a link, for tests
// that feed messages directly.
func newStandaloneRoot(t *testing.T, authoritative bool, logger log.Log, replication *metrics.Replication) (*Root, *countingNetwork) {
	t.Helper()
	manager := protocol.NewManager(protocol.DefaultManagerConfig(), logger, replication)
	network := newCountingNetwork(manager)
	root, err := NewRoot(scene.NewNode("Scene"), network, RootConfig{
		AuthoritativeDistributionAsDefault: authoritative,
		Prefabs:                            testPrefabs(),
	}, logger, replication)
	require.NoError(t, err)
	return root, network
}

// placeObject puts a scene object called name below the root and starts it
// with its components.
func placeObject(t *testing.T, root *Root, name string, attach func(node *scene.Node)) *Object {
	t.Helper()
	node := scene.NewNode(name)
	root.Node().AddChild(node)
	obj := NewObject(root, node)
	if attach != nil {
		attach(node)
	}
	root.start(obj)
	require.True(t, obj.IsInitialized())
	return obj
}

func transformMessage(t *testing.T, key string, timestamp time.Time, position physics.Vector3) *protocol.Message {
	t.Helper()
	message := protocol.NewMessage(key, protocol.Unreliable)
	message.Timestamp = timestamp
	message.Content.PushUncompressedVector3(physics.One)
	message.Content.PushCompressedRotation(physics.Identity)
	require.NoError(t, message.Content.PushCompressedPosition(position))
	return message
}

func bodyMessage(t *testing.T, key string, timestamp time.Time, quality protocol.DeliveryQuality, position, velocity physics.Vector3) *protocol.Message {
	t.Helper()
	message := spinningBodyMessage(t, key, timestamp, position, velocity, physics.Identity, physics.Zero)
	message.Quality = quality
	return message
}

func spinningBodyMessage(t *testing.T, key string, timestamp time.Time, position, velocity physics.Vector3, rotation physics.Quaternion, angularVelocity physics.Vector3) *protocol.Message {
	t.Helper()
	message := protocol.NewMessage(key, protocol.Unreliable)
	message.Timestamp = timestamp
	message.Content.PushCompressedVector3(angularVelocity, -maxAngularVelocity, maxAngularVelocity, velocityBytes)
	message.Content.PushCompressedVector3(velocity, -maxVelocity, maxVelocity, velocityBytes)
	message.Content.PushCompressedRotation(rotation)
	require.NoError(t, message.Content.PushCompressedPosition(position))
	return message
}

func assertVectorNear(t *testing.T, expected, actual physics.Vector3, precision float32) {
	t.Helper()
	require.Truef(t, expected.ApproximatelyEqual(actual, precision), "expected %+v, got %+v", expected, actual)
}

var remote = protocol.RemotePeer("remote")
