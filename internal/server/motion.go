package server

import (
	"math"

	"github.com/zeusync/distsync/internal/core/distributed"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

const (
	demoRadius     float32 = 12
	demoAngularRate        = 0.5
	gearWidth      float32 = 2
)

var up = physics.Vec3(0, 1, 0)

type pattern uint8

const (
	spin pattern = iota
	drive
	bounce
)

// motion moves a demo object while this node is its authority, so its
// components have state to send.
type motion struct {
	object   *distributed.Object
	pattern  pattern
	animator *distributed.Animator
	body     *physics.Body

	elapsed float32
}

func (m *motion) step(dt float32) error {
	if !m.object.IsInitialized() || !m.object.IsAuthoritative() {
		return nil
	}
	m.elapsed += dt
	node := m.object.Node()

	switch m.pattern {
	case spin:
		node.LocalRotation = physics.FromAxisAngle(up, m.elapsed)
	case drive:
		angle := m.elapsed * demoAngularRate
		sin, cos := math.Sincos(float64(angle))
		node.LocalPosition = physics.Vec3(float32(cos)*demoRadius, 0, float32(sin)*demoRadius)
		node.LocalRotation = physics.FromAxisAngle(up, -angle)
		for _, wheel := range node.Children() {
			wheel.LocalRotation = physics.FromAxisAngle(physics.Vec3(1, 0, 0), m.elapsed*4)
		}
		return m.reportSpeed(demoRadius * demoAngularRate * (1 + float32(sin)/2))
	case bounce:
		m.body.Step(dt)
		parent := node.Parent().WorldPosition()
		local := m.body.Position.Sub(parent)
		if abs(local.X) > demoRadius {
			m.body.Velocity.X = -m.body.Velocity.X
		}
		if abs(local.Z) > demoRadius {
			m.body.Velocity.Z = -m.body.Velocity.Z
		}
		node.LocalPosition = local
		node.LocalRotation = m.body.Rotation
	}
	return nil
}

// reportSpeed sends the speed rounded to a tenth, so small changes do not
// produce a delta every tick.
func (m *motion) reportSpeed(speed float32) error {
	speed = float32(math.Round(float64(speed)*10) / 10)
	animator := m.animator.Animator()
	if animator.Float(ParameterSpeed) == speed {
		return nil
	}
	if err := m.animator.SetFloat(ParameterSpeed, speed); err != nil {
		return err
	}
	if err := animator.SetInt(ParameterGear, int32(speed/gearWidth)+1); err != nil {
		return err
	}
	return animator.SetBool(ParameterLights, speed > demoRadius*demoAngularRate)
}

// moveAll steps every demo object below root.
func moveAll(root *scene.Node, dt float32) error {
	for _, m := range scene.ComponentsInChildren[*motion](root) {
		if err := m.step(dt); err != nil {
			return err
		}
	}
	return nil
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
