package distributed

import (
	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/scene"
	"github.com/zeusync/distsync/internal/core/systems/animation"
)

// Animator replicates animation parameters. Snapshots carry every float, int
// and bool parameter; float changes made through SetFloat go out as deltas.
type Animator struct {
	*DeltaComponent

	animator *animation.Animator
}

// NewAnimator replicates the animator attached to node, attaching one
// declaring parameters if there is none.
func NewAnimator(node *scene.Node, parameters ...animation.Parameter) *Animator {
	animator, ok := scene.ComponentOf[*animation.Animator](node)
	if !ok {
		animator = animation.NewAnimator(parameters...)
		node.AddComponent(animator)
	}
	a := &Animator{animator: animator}
	a.DeltaComponent = NewDeltaComponent(node, a)
	return a
}

func (a *Animator) ComponentKey() string { return "DistributedAnimator" }

// Animator is the replicated parameter store.
func (a *Animator) Animator() *animation.Animator { return a.animator }

func (a *Animator) RequiredCoroutines() []Coroutine { return nil }

// SetFloat applies value locally and sends it to the mirrors once initialized.
func (a *Animator) SetFloat(name string, value float32) error {
	if err := a.animator.SetFloat(name, value); err != nil {
		return err
	}
	if !a.IsInitialized() {
		return nil
	}
	message := a.GetEmptyDeltaMessage()
	message.Content.PushFloat(value)
	message.Content.PushString(name)
	message.Content.PushByte(SetFloatByName)
	a.BroadcastDelta(message, protocol.ReliableSequenced)
	return nil
}

// PushSnapshot pushes value then name for every parameter, so a mirror pops
// the name first and decodes the value by its own parameter type.
func (a *Animator) PushSnapshot(content *protocol.BytesStack) bool {
	for _, parameter := range a.animator.Parameters() {
		switch parameter.Type {
		case animation.ParameterFloat:
			content.PushFloat(a.animator.Float(parameter.Name))
		case animation.ParameterInt:
			content.PushInt(int(a.animator.Int(parameter.Name)), 4)
		case animation.ParameterBool:
			content.PushBool(a.animator.Bool(parameter.Name))
		default:
			continue
		}
		content.PushString(parameter.Name)
	}
	return true
}

func (a *Animator) ApplySnapshot(message *protocol.Message) {
	for message.Content.Count() > 0 {
		name := message.Content.PopString()
		if err := message.Content.Err(); err != nil {
			a.protocolError("Dropping malformed animator snapshot", err)
			return
		}
		parameter, ok := a.animator.Parameter(name)
		if !ok {
			a.logger().Warn("Animator snapshot has an unknown parameter", log.Key(a.Key()), log.String("parameter", name))
			return
		}
		var err error
		switch parameter.Type {
		case animation.ParameterFloat:
			err = a.animator.SetFloat(name, message.Content.PopFloat())
		case animation.ParameterInt:
			err = a.animator.SetInt(name, int32(message.Content.PopInt(4)))
		case animation.ParameterBool:
			err = a.animator.SetBool(name, message.Content.PopBool())
		default:
			a.logger().Warn("Animator snapshot has a parameter that is never replicated",
				log.Key(a.Key()), log.String("parameter", name), log.String("type", parameter.Type.String()))
			return
		}
		if err == nil {
			err = message.Content.Err()
		}
		if err != nil {
			a.protocolError("Dropping malformed animator snapshot", err)
			return
		}
	}
}

func (a *Animator) ApplyDelta(message *protocol.Message) {
	command := message.Content.PopByte()
	if err := message.Content.Err(); err != nil {
		a.protocolError("Dropping empty animator delta", err)
		return
	}
	switch command {
	case SetFloatByName:
		name := message.Content.PopString()
		value := message.Content.PopFloat()
		if err := message.Content.Err(); err != nil {
			a.protocolError("Dropping malformed animator delta", err)
			return
		}
		if err := a.animator.SetFloat(name, value); err != nil {
			a.logger().Warn("Animator delta targets an unusable parameter",
				log.Key(a.Key()), log.String("parameter", name), log.Error(err))
		}
	case SetFloatByID:
		a.protocolError("Dropping animator delta",
			protocol.NewProtocolError(protocol.ErrorCodeNotImplemented, "set float by id is not supported", protocol.ErrNotImplemented))
	default:
		a.protocolError("Dropping animator delta",
			protocol.NewProtocolError(protocol.ErrorCodeUnknownCommand, "unknown animator command", protocol.ErrUnknownCommand).
				WithContext("command", command))
	}
}
