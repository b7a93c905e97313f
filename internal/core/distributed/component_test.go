package distributed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

// probe counts its coroutine ticks and the snapshots it applies.
type probe struct {
	*DistributedComponent

	ticks   int
	applied []*protocol.Message
}

func newProbe(node *scene.Node) *probe {
	p := &probe{}
	p.DistributedComponent = NewDistributedComponent(node, p)
	return p
}

func (p *probe) ComponentKey() string { return "Probe" }

func (p *probe) PushSnapshot(content *protocol.BytesStack) bool {
	content.PushInt(p.ticks, 4)
	return true
}

func (p *probe) ApplySnapshot(message *protocol.Message) {
	p.applied = append(p.applied, message)
}

func (p *probe) RequiredCoroutines() []Coroutine {
	return []Coroutine{{Name: "probe", Task: func(time.Time) bool {
		p.ticks++
		return true
	}}}
}

func TestComponentWaitsForParentObject(t *testing.T) {
	root, _ := newStandaloneRoot(t, true, nil, nil)
	node := scene.NewNode("Late")
	root.Node().AddChild(node)
	obj := NewObject(root, node)
	component := newProbe(node)

	require.NoError(t, component.Start())
	assert.Equal(t, Initializing, component.State())
	assert.Equal(t, Stopped, component.CoroutinesState())

	require.NoError(t, obj.Start())

	assert.Equal(t, Initialized, component.State())
	assert.Equal(t, RunningOnObject, component.CoroutinesState())
	assert.Equal(t, []Component{component.DistributedComponent}, obj.Components())
}

func TestComponentDestroysItselfWhenParentIsDestroyed(t *testing.T) {
	root, _ := newStandaloneRoot(t, true, nil, nil)
	node := scene.NewNode("Doomed")
	root.Node().AddChild(node)
	obj := NewObject(root, node)
	component := newProbe(node)
	require.NoError(t, component.Start())

	obj.Destroy()

	assert.True(t, component.IsDestroyed())
	assert.Equal(t, Deinitialized, component.State())
}

func TestComponentWithoutParentStaysDeinitialized(t *testing.T) {
	node := scene.NewNode("Loose")
	component := newProbe(node)
	component.SetDestroyWithoutParent(false)

	require.NoError(t, component.Start())

	assert.False(t, component.IsDestroyed())
	assert.Equal(t, Deinitialized, component.State())
	assert.Empty(t, component.Key())
}

func TestStartingRunningCoroutinesIsRejected(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	root, _ := newStandaloneRoot(t, true, log.NewWithCore(core), nil)
	var component *probe
	placeObject(t, root, "Twice", func(node *scene.Node) { component = newProbe(node) })
	require.Equal(t, RunningOnObject, component.CoroutinesState())

	component.StartRequiredCoroutines()
	root.Tick(time.Unix(1, 0))

	assert.Equal(t, 1, component.ticks)
	warnings := logs.FilterMessage("Required coroutines are already running").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)
	assert.Equal(t, "Twice/Probe", warnings[0].ContextMap()["key"])
}

func TestCoroutinesFollowVisibility(t *testing.T) {
	root, _ := newStandaloneRoot(t, true, nil, nil)
	var component *probe
	obj := placeObject(t, root, "Blinking", func(node *scene.Node) { component = newProbe(node) })

	root.Tick(time.Unix(1, 0))
	assert.Equal(t, 1, component.ticks)

	obj.Node().SetActive(false)
	assert.Equal(t, RunningOnDispatcher, component.CoroutinesState())
	root.Tick(time.Unix(2, 0))
	assert.Equal(t, 2, component.ticks)

	obj.Node().SetActive(true)
	assert.Equal(t, RunningOnObject, component.CoroutinesState())
	component.SetEnabled(false)
	assert.Equal(t, RunningOnDispatcher, component.CoroutinesState())
	component.SetEnabled(true)
	root.Tick(time.Unix(3, 0))
	assert.Equal(t, 3, component.ticks)
	assert.Equal(t, RunningOnObject, component.CoroutinesState())
}

func TestAuthorityFlipRestartsCoroutines(t *testing.T) {
	root, _ := newStandaloneRoot(t, true, nil, nil)
	var body *Rigidbody
	obj := placeObject(t, root, "Crate", func(node *scene.Node) {
		body = NewRigidbody(node, ExtrapolateVelocities)
		node.AddComponent(&physics.Collider{Name: "Box"})
	})
	require.Len(t, body.handles, 1)
	assert.Equal(t, "rigidbody_snapshots", body.handles[0].Name())
	assert.False(t, body.Body.IsKinematic)

	obj.SetAuthoritative(false)

	require.Len(t, body.handles, 1)
	assert.Equal(t, "rigidbody_extrapolation", body.handles[0].Name())
	assert.Equal(t, RunningOnObject, body.CoroutinesState())
	assert.True(t, body.Body.IsKinematic)
	assert.Equal(t, physics.CollisionContinuousSpeculative, body.Body.CollisionDetection)
	collider, ok := scene.ComponentOf[*physics.Collider](obj.Node())
	require.True(t, ok)
	assert.True(t, collider.IsTrigger)

	obj.SetAuthoritative(true)
	assert.Equal(t, "rigidbody_snapshots", body.handles[0].Name())
	assert.False(t, body.Body.IsKinematic)
}

func TestAuthoritativeComponentIgnoresMessages(t *testing.T) {
	root, _ := newStandaloneRoot(t, true, nil, nil)
	var component *probe
	placeObject(t, root, "Owner", func(node *scene.Node) { component = newProbe(node) })

	component.ReceiveMessage(remote, protocol.NewMessage(component.Key(), protocol.Unreliable))

	assert.Empty(t, component.applied)
}

func TestMirrorComponentForwardsClone(t *testing.T) {
	root, network := newStandaloneRoot(t, false, nil, nil)
	var component *probe
	obj := placeObject(t, root, "Relay", func(node *scene.Node) { component = newProbe(node) })
	obj.SetForwardMessages(true)

	message := protocol.NewMessage(component.Key(), protocol.Unreliable)
	message.Content.PushInt(77, 4)
	component.ReceiveMessage(remote, message)

	require.Len(t, component.applied, 1)
	require.Len(t, network.broadcasts, 1)
	assert.Equal(t, 77, network.broadcasts[0].Content.PopInt(4))
}

func TestForwardWithoutKeyIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	root, network := newStandaloneRoot(t, false, log.NewWithCore(core), nil)
	var component *probe
	obj := placeObject(t, root, "Relay", func(node *scene.Node) { component = newProbe(node) })
	obj.SetForwardMessages(true)

	component.ReceiveMessage(remote, protocol.NewMessage("", protocol.Unreliable))

	assert.Len(t, component.applied, 1)
	assert.Empty(t, network.broadcasts)
	entries := logs.FilterMessage("Cannot forward a message without an address key").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestMirrorSnapshotsAreNeverSent(t *testing.T) {
	root, network := newStandaloneRoot(t, false, nil, nil)
	var component *probe
	placeObject(t, root, "Mirror", func(node *scene.Node) { component = newProbe(node) })

	component.BroadcastSnapshot(true)
	component.UnicastSnapshot("b", false)

	assert.Zero(t, network.sent())
}
