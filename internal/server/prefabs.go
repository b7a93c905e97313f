package server

import (
	"fmt"
	"sort"
	"time"

	"github.com/zeusync/distsync/internal/core/config"
	"github.com/zeusync/distsync/internal/core/distributed"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/systems/animation"
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

// Prefab kinds a configuration can name.
const (
	KindBox  = "box"
	KindCar  = "car"
	KindBall = "ball"
)

// Parameters of the car animator.
const (
	ParameterSpeed  = "Speed"
	ParameterGear   = "Gear"
	ParameterLights = "Lights"
)

// Tuning carries the replication settings every built component receives.
type Tuning struct {
	SnapshotsPerSecond float32
	ExtrapolationLimit time.Duration
}

type builder func(root *distributed.Root, name string, tuning Tuning) *scene.Node

var builders = map[string]builder{
	KindBox:  buildBox,
	KindCar:  buildCar,
	KindBall: buildBall,
}

// Kinds lists the prefab kinds in name order.
func Kinds() []string {
	kinds := make([]string, 0, len(builders))
	for kind := range builders {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// BuildPrefabs turns the configured list into the prefab catalog. The list
// order is the prefab id.
func BuildPrefabs(cfg *config.Config) ([]distributed.Prefab, error) {
	tuning := Tuning{
		SnapshotsPerSecond: cfg.Replication.SnapshotsPerSecond,
		ExtrapolationLimit: cfg.Replication.ExtrapolationLimit,
	}
	prefabs := make([]distributed.Prefab, 0, len(cfg.Prefabs))
	for _, prefab := range cfg.Prefabs {
		build, ok := builders[prefab.Kind]
		if !ok {
			return nil, protocol.NewProtocolError(protocol.ErrorCodeInvalidConfig,
				fmt.Sprintf("unknown prefab kind %q", prefab.Kind), protocol.ErrInvalidConfig).
				WithContext("field", "prefabs").
				WithContext("name", prefab.Name)
		}
		name := prefab.Name
		prefabs = append(prefabs, distributed.Prefab{
			Name: name,
			Build: func(root *distributed.Root) *scene.Node {
				return build(root, name, tuning)
			},
		})
	}
	return prefabs, nil
}

// buildBox is a crate that spins in place.
func buildBox(root *distributed.Root, name string, tuning Tuning) *scene.Node {
	node := scene.NewNode(name)
	obj := distributed.NewObject(root, node)
	transform := distributed.NewTransform(node)
	transform.SnapshotsPerSecondLimit = tuning.SnapshotsPerSecond
	node.AddComponent(&motion{object: obj, pattern: spin})
	return node
}

// buildCar drives in circles and reports its speed to the animator.
func buildCar(root *distributed.Root, name string, tuning Tuning) *scene.Node {
	node := scene.NewNode(name)
	obj := distributed.NewObject(root, node)
	transform := distributed.NewTransform(node)
	transform.SnapshotsPerSecondLimit = tuning.SnapshotsPerSecond

	for _, wheel := range []string{"WheelFL", "WheelFR", "WheelRL", "WheelRR"} {
		child := scene.NewNode(wheel)
		node.AddChild(child)
		distributed.NewTransform(child).SnapshotsPerSecondLimit = tuning.SnapshotsPerSecond
	}
	animator := distributed.NewAnimator(node,
		animation.Parameter{Name: ParameterSpeed, Type: animation.ParameterFloat},
		animation.Parameter{Name: ParameterGear, Type: animation.ParameterInt},
		animation.Parameter{Name: ParameterLights, Type: animation.ParameterBool},
	)
	node.AddComponent(&motion{object: obj, pattern: drive, animator: animator})
	return node
}

// buildBall bounces inside the demo area and is extrapolated on mirrors.
func buildBall(root *distributed.Root, name string, tuning Tuning) *scene.Node {
	node := scene.NewNode(name)
	node.LocalPosition = physics.Vec3(0, 1, 0)
	obj := distributed.NewObject(root, node)

	node.AddChild(scene.NewNode("Collider"))
	node.Children()[0].AddComponent(&physics.Collider{Name: "Sphere"})

	body := distributed.NewRigidbody(node, distributed.ExtrapolateVelocities)
	body.SnapshotsPerSecondLimit = tuning.SnapshotsPerSecond
	body.ExtrapolationLimit = tuning.ExtrapolationLimit
	body.Body.Velocity = physics.Vec3(4, 0, 2.5)
	body.Body.AngularVelocity = physics.Vec3(0, 1, 0)
	node.AddComponent(&motion{object: obj, pattern: bounce, body: body.Body})
	return node
}
