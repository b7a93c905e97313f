// Package animation holds the animation engine state a replicated animator mirrors.
package animation

import "errors"

var (
	ErrUnknownParameter = errors.New("unknown animator parameter")
	ErrParameterType    = errors.New("animator parameter has another type")
)

type ParameterType uint8

const (
	ParameterFloat ParameterType = iota
	ParameterInt
	ParameterBool
	ParameterTrigger
)

func (t ParameterType) String() string {
	switch t {
	case ParameterFloat:
		return "float"
	case ParameterInt:
		return "int"
	case ParameterBool:
		return "bool"
	case ParameterTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

type Parameter struct {
	Name string
	Type ParameterType
}

// Animator stores typed parameters in declaration order.
type Animator struct {
	parameters []Parameter
	index      map[string]int
	floats     map[string]float32
	ints       map[string]int32
	bools      map[string]bool
}

func NewAnimator(parameters ...Parameter) *Animator {
	a := &Animator{
		index:  make(map[string]int, len(parameters)),
		floats: make(map[string]float32),
		ints:   make(map[string]int32),
		bools:  make(map[string]bool),
	}
	for _, p := range parameters {
		if _, exists := a.index[p.Name]; exists {
			continue
		}
		a.index[p.Name] = len(a.parameters)
		a.parameters = append(a.parameters, p)
	}
	return a
}

// Parameters returns the declared parameters in order.
func (a *Animator) Parameters() []Parameter {
	return a.parameters
}

// Parameter looks a parameter up by name.
func (a *Animator) Parameter(name string) (Parameter, bool) {
	i, ok := a.index[name]
	if !ok {
		return Parameter{}, false
	}
	return a.parameters[i], true
}

func (a *Animator) Float(name string) float32 { return a.floats[name] }
func (a *Animator) Int(name string) int32     { return a.ints[name] }
func (a *Animator) Bool(name string) bool     { return a.bools[name] }

func (a *Animator) SetFloat(name string, value float32) error {
	if err := a.check(name, ParameterFloat); err != nil {
		return err
	}
	a.floats[name] = value
	return nil
}

func (a *Animator) SetInt(name string, value int32) error {
	if err := a.check(name, ParameterInt); err != nil {
		return err
	}
	a.ints[name] = value
	return nil
}

func (a *Animator) SetBool(name string, value bool) error {
	if err := a.check(name, ParameterBool); err != nil {
		return err
	}
	a.bools[name] = value
	return nil
}

func (a *Animator) check(name string, expected ParameterType) error {
	p, ok := a.Parameter(name)
	if !ok {
		return ErrUnknownParameter
	}
	if p.Type != expected {
		return ErrParameterType
	}
	return nil
}
