package distributed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

func TestInstantiateAndBroadcastMirrorsObject(t *testing.T) {
	c := newCluster(t)
	a := c.join("a", true)
	b := c.join("b", false)
	c.connect(a, b)

	obj, err := a.root.InstantiateAndBroadcast(carPrefab, "Npc/Car3")
	require.NoError(t, err)
	require.True(t, obj.IsInitialized())
	require.True(t, obj.IsAuthoritative())
	assert.Equal(t, "Npc/Car3/Car/", obj.Key())
	c.settle()

	mirrorNode := b.scene.Find("Npc/Car3/Car")
	require.NotNil(t, mirrorNode)
	mirror, ok := scene.ComponentOf[*Object](mirrorNode)
	require.True(t, ok)
	assert.Equal(t, obj.Key(), mirror.Key())
	assert.True(t, mirror.IsInitialized())
	assert.False(t, mirror.IsAuthoritative())
	assert.Len(t, mirror.Components(), 3)

	transform, ok := scene.ComponentOf[*Transform](mirrorNode)
	require.True(t, ok)
	assert.Equal(t, "Npc/Car3/Car/DistributedTransform", transform.Key())
	assertVectorNear(t, carSpawnPosition, mirrorNode.LocalPosition, 0.002)

	wheel, ok := scene.ComponentOf[*Transform](mirrorNode.Child("Wheel"))
	require.True(t, ok)
	assert.Equal(t, "Npc/Car3/Car/Wheel/DistributedTransform", wheel.Key())
	assert.Equal(t, Initialized, wheel.State())
}

func TestInstantiateMakesNamesUniqueAndMirrorsThem(t *testing.T) {
	c := newCluster(t)
	a := c.join("a", true)
	b := c.join("b", false)
	c.connect(a, b)

	first, err := a.root.InstantiateAndBroadcast(boxPrefab, "Props")
	require.NoError(t, err)
	second, err := a.root.InstantiateAndBroadcast(boxPrefab, "Props")
	require.NoError(t, err)
	c.settle()

	assert.Equal(t, "Box", first.Node().Name())
	assert.Equal(t, "Box0", second.Node().Name())
	assert.NotNil(t, b.scene.Find("Props/Box"))
	assert.NotNil(t, b.scene.Find("Props/Box0"))
	assert.Len(t, b.root.Instantiated(), 2)
}

func TestTransformStreamsMovement(t *testing.T) {
	c := newCluster(t)
	a := c.join("a", true)
	b := c.join("b", false)
	c.connect(a, b)

	obj, err := a.root.InstantiateAndBroadcast(boxPrefab, "")
	require.NoError(t, err)
	c.settle()

	target := physics.Vec3(3, 0.5, 7.25)
	obj.Node().LocalPosition = target
	c.step(20 * time.Millisecond)

	mirrorNode := b.scene.Find("Box")
	require.NotNil(t, mirrorNode)
	assertVectorNear(t, target, mirrorNode.LocalPosition, 0.002)
}

func TestLateJoinerReceivesInstantiatedObjects(t *testing.T) {
	c := newCluster(t)
	a := c.join("a", true)
	b := c.join("b", false)
	c.connect(a, b)

	obj, err := a.root.InstantiateAndBroadcast(carPrefab, "Npc/Car3")
	require.NoError(t, err)
	obj.Node().LocalPosition = physics.Vec3(1, 2, 3)
	c.step(20 * time.Millisecond)

	late := c.join("late", false)
	c.connect(a, late)

	mirrorNode := late.scene.Find("Npc/Car3/Car")
	require.NotNil(t, mirrorNode)
	assert.Equal(t, "Car", mirrorNode.Name())
	assertVectorNear(t, physics.Vec3(1, 2, 3), mirrorNode.LocalPosition, 0.002)
}

func TestLateJoinerReceivesScenePlacedObjects(t *testing.T) {
	c := newCluster(t)
	a := c.join("a", true)
	b := c.join("b", false)

	placed := func(root *Root) *Object {
		node := scene.NewNode("Door")
		node.LocalPosition = physics.Vec3(4, 0, 4)
		root.Node().GetOrCreateChild("Level").AddChild(node)
		obj := NewObject(root, node)
		NewTransform(node)
		root.start(obj)
		return obj
	}
	authoritative := placed(a.root)
	mirror := placed(b.root)
	mirror.Node().LocalPosition = physics.Zero
	require.Equal(t, authoritative.Key(), mirror.Key())

	c.connect(a, b)

	assertVectorNear(t, physics.Vec3(4, 0, 4), mirror.Node().LocalPosition, 0.002)
}

func TestInstantiateRejectsInvalidPrefabs(t *testing.T) {
	root, _ := newStandaloneRoot(t, true, nil, nil)

	_, err := root.InstantiateAndBroadcast(42, "")
	require.ErrorIs(t, err, protocol.ErrInvalidPrefab)
	assert.Equal(t, protocol.ErrorCodeInvalidPrefab, protocol.GetErrorCode(err))

	_, err = root.InstantiateAndBroadcast(-1, "")
	require.ErrorIs(t, err, protocol.ErrInvalidPrefab)

	_, err = root.InstantiateAndBroadcast(emptyPrefab, "")
	require.ErrorIs(t, err, protocol.ErrPrefabWithoutObject)
	assert.Empty(t, root.Instantiated())
}

func TestRootDropsUnknownCommands(t *testing.T) {
	root, _ := newStandaloneRoot(t, false, nil, nil)

	message := protocol.NewMessage(RootKey, protocol.ReliableOrdered)
	message.Content.PushByte(9)
	root.ReceiveMessage(remote, message)

	assert.Empty(t, root.Instantiated())
	assert.Empty(t, root.Node().Children())
}

func TestUnregisterObjectRemovesFromRegistry(t *testing.T) {
	c := newCluster(t)
	a := c.join("a", true)

	var unregistered []*Object
	a.root.ObjectUnregistered.Subscribe(func(obj *Object) { unregistered = append(unregistered, obj) })

	obj, err := a.root.InstantiateAndBroadcast(boxPrefab, "")
	require.NoError(t, err)
	require.Len(t, a.root.Objects(), 1)
	require.True(t, a.manager.IsRegistered(obj.Key()))

	obj.Destroy()

	assert.Empty(t, a.root.Objects())
	assert.Empty(t, a.root.Instantiated())
	assert.False(t, a.manager.IsRegistered(obj.Key()))
	assert.Equal(t, []*Object{obj}, unregistered)

	a.root.UnregisterObject(obj)
	assert.Len(t, unregistered, 1)
}
