// Package workersdk is the worker-side helper the hub never needs: it wraps
// a TCP connection to the hub, sends the REGISTER handshake naming the
// methods a worker exposes, and dispatches incoming REQUEST frames to Go
// methods via reflection. The hub itself performs no reflection — it only
// ever sees the static `methods` list a worker advertises in REGISTER
// metadata and forwards frames by service name (spec §9 design note 1:
// "re-architect as a static capability set per session ... no dynamic
// dispatch is required inside the hub"). All the reflect.Call machinery the
// teacher's server/service.go used to dispatch in-process now lives here,
// on the worker side of the wire, adapted from Go RPC-style
// func(*Args, *Reply) error methods to JSON-over-Frame payloads.
package workersdk

import (
	"fmt"
	"reflect"
)

// methodType stores the reflection metadata for one RPC-compatible method,
// generalizing the teacher's server.methodType unchanged in shape.
type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service wraps a user-defined struct (e.g. &Calculator{}) and the subset of
// its exported methods that match the RPC signature convention.
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// newService validates rcvr and scans its exported methods for the
// convention func (receiver) Method(args *ArgsType, reply *ReplyType) error,
// exactly as the teacher's NewService/RegisterMethods did.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("workersdk: rcvr must be a pointer, got %s", typ.Kind())
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("workersdk: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}

	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}

	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if m.Type.NumIn() != 3 || m.Type.NumOut() != 1 {
			continue
		}
		if m.Type.Out(0) != errorType {
			continue
		}
		if m.Type.In(1).Kind() != reflect.Ptr || m.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		svc.method[m.Name] = &methodType{
			method:    m,
			ArgType:   m.Type.In(1).Elem(),
			ReplyType: m.Type.In(2).Elem(),
		}
	}

	if len(svc.method) == 0 {
		return nil, fmt.Errorf("workersdk: %s exposes no RPC-compatible methods", svc.name)
	}
	return svc, nil
}

// methodNames lists the exported methods this service will advertise in the
// REGISTER frame's metadata["methods"] (spec §9 design note 1).
func (s *service) methodNames() []string {
	names := make([]string, 0, len(s.method))
	for name := range s.method {
		names = append(names, name)
	}
	return names
}

// call invokes the named method via reflection, exactly as the teacher's
// service.Call did.
func (s *service) call(mType *methodType, argv, replyv reflect.Value) error {
	results := mType.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
