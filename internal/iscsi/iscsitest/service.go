// Package iscsitest provides an in-memory storage service for tests.
package iscsitest

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/lxc/incus-os/iscsi-bridge/api"
	"github.com/lxc/incus-os/iscsi-bridge/internal/bus"
	"github.com/lxc/incus-os/iscsi-bridge/internal/iscsi"
)

// Common D-Bus error names returned by the fake service.
const (
	ErrUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	ErrUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
)

type subscriber struct {
	rule bus.Rule
	ch   chan *dbus.Signal
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Service is a fake storage service implementing the bus operations used by the bridge.
type Service struct {
	mu sync.Mutex

	objects     iscsi.Objects
	initiator   api.ISCSIInitiator
	nodes       map[uint32]api.ISCSINode
	nextID      uint32
	portals     map[string][]string
	credentials *api.ISCSIAuth

	failure      error
	subscribeErr error
	disconnected bool

	subscribers map[int]*subscriber
	nextSub     int
}

// NewService returns an empty fake service.
func NewService(objects iscsi.Objects) *Service {
	return &Service{
		objects:     objects,
		nodes:       map[uint32]api.ISCSINode{},
		nextID:      1,
		portals:     map[string][]string{},
		subscribers: map[int]*subscriber{},
	}
}

// SetInitiator replaces the initiator without emitting any signal.
func (s *Service) SetInitiator(initiator api.ISCSIInitiator) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initiator = initiator
}

// AddPortal makes the given targets discoverable on a portal.
func (s *Service) AddPortal(address string, port uint32, targets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.portals[portalKey(address, port)] = targets
}

// AddNode registers a node without emitting any signal.
func (s *Service) AddNode(node api.ISCSINode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[node.ID] = node

	if node.ID >= s.nextID {
		s.nextID = node.ID + 1
	}
}

// Node returns a node as currently known by the service.
func (s *Service) Node(id uint32) (api.ISCSINode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]

	return node, ok
}

// RequireCredentials makes logins fail unless the given credentials are used.
func (s *Service) RequireCredentials(auth api.ISCSIAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials = &auth
}

// Fail makes every following call fail with err. A nil error restores the service.
func (s *Service) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failure = err
}

// FailSubscriptions makes every following subscription fail with err.
func (s *Service) FailSubscriptions(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribeErr = err
}

// Subscribers returns the number of live subscriptions.
func (s *Service) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subscribers)
}

// Disconnect terminates all the subscriptions, as a lost bus connection would.
func (s *Service) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnected = true

	for id, sub := range s.subscribers {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// Emit delivers an arbitrary signal to the matching subscribers.
func (s *Service) Emit(sig *dbus.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.emit(sig)
}

// Subscribe registers a match rule, mimicking bus.Conn.
func (s *Service) Subscribe(ctx context.Context, rule bus.Rule) (*bus.Subscription, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribeErr != nil {
		return nil, bus.NewServiceError("org.freedesktop.DBus.AddMatch", s.subscribeErr)
	}

	sub := &subscriber{
		rule: rule,
		ch:   make(chan *dbus.Signal, 64),
		done: make(chan struct{}),
	}

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = sub

	release := func() {
		// Unblock any pending delivery before waiting for the lock.
		sub.stop()

		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.subscribers, id)
	}

	return bus.NewSubscription(sub.ch, release), nil
}

// Call dispatches a method call, mimicking bus.Conn.
func (s *Service) Call(ctx context.Context, path dbus.ObjectPath, method string, args []any, ret ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.check(ctx, method)
	if err != nil {
		return err
	}

	var code uint32

	switch method {
	case s.objects.InitiatorInterface() + ".Discover":
		code, err = s.discover(path, args)
	case s.objects.InitiatorInterface() + ".Delete":
		code, err = s.delete(path, args)
	case s.objects.NodeInterface() + ".Login":
		code, err = s.login(path, args)
	case s.objects.NodeInterface() + ".Logout":
		code, err = s.logout(path)
	default:
		err = dbus.Error{Name: ErrUnknownMethod, Body: []any{"unknown method " + method}}
	}

	if err != nil {
		return bus.NewServiceError(method, err)
	}

	if len(ret) > 0 {
		result, ok := ret[0].(*uint32)
		if !ok {
			return bus.NewServiceError(method, fmt.Errorf("%w: unexpected return type %T", bus.ErrMalformedReply, ret[0]))
		}

		*result = code
	}

	return nil
}

// GetProperties returns the properties of an object, mimicking bus.Conn.
func (s *Service) GetProperties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	method := bus.PropertiesInterface + ".GetAll"

	err := s.check(ctx, method)
	if err != nil {
		return nil, err
	}

	if path == s.objects.Root && iface == s.objects.InitiatorInterface() {
		return s.initiatorProperties(), nil
	}

	if iface == s.objects.NodeInterface() {
		node, err := s.node(path)
		if err == nil {
			return nodeProperties(node), nil
		}
	}

	return nil, bus.NewServiceError(method, unknownObject(path))
}

// SetProperty changes a property, mimicking bus.Conn.
func (s *Service) SetProperty(ctx context.Context, path dbus.ObjectPath, iface string, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	method := bus.PropertiesInterface + ".Set"

	err := s.check(ctx, method)
	if err != nil {
		return err
	}

	switch {
	case path == s.objects.Root && iface == s.objects.InitiatorInterface() && name == iscsi.PropInitiatorName:
		initiatorName, ok := value.(string)
		if !ok {
			return bus.NewServiceError(method, invalidArgs("InitiatorName must be a string"))
		}

		s.initiator.Name = initiatorName
		s.emit(propertiesChanged(path, iface, map[string]dbus.Variant{name: dbus.MakeVariant(initiatorName)}))

		return nil

	case iface == s.objects.NodeInterface() && name == iscsi.PropStartup:
		node, err := s.node(path)
		if err != nil {
			return bus.NewServiceError(method, err)
		}

		startup, ok := value.(string)
		if !ok {
			return bus.NewServiceError(method, invalidArgs("Startup must be a string"))
		}

		_, ok = api.ISCSINodeStartups[api.ISCSINodeStartup(startup)]
		if !ok {
			return bus.NewServiceError(method, invalidArgs("invalid startup value "+startup))
		}

		node.Startup = api.ISCSINodeStartup(startup)
		s.nodes[node.ID] = node
		s.emit(propertiesChanged(path, iface, map[string]dbus.Variant{name: dbus.MakeVariant(startup)}))

		return nil
	}

	return bus.NewServiceError(method, invalidArgs(fmt.Sprintf("property %q of %q isn't writable", name, iface)))
}

// ManagedObjects lists the exported objects, mimicking bus.Conn.
func (s *Service) ManagedObjects(ctx context.Context, root dbus.ObjectPath) (bus.ManagedObjects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.check(ctx, bus.ObjectManagerInterface+".GetManagedObjects")
	if err != nil {
		return nil, err
	}

	objects := bus.ManagedObjects{
		s.objects.Root: {s.objects.InitiatorInterface(): s.initiatorProperties()},
	}

	for id, node := range s.nodes {
		objects[s.objects.NodePath(id)] = map[string]map[string]dbus.Variant{
			s.objects.NodeInterface(): nodeProperties(node),
		}
	}

	return objects, nil
}

func (s *Service) check(ctx context.Context, method string) error {
	err := ctx.Err()
	if err != nil {
		return bus.NewServiceError(method, err)
	}

	if s.disconnected {
		return bus.NewServiceError(method, dbus.ErrClosed)
	}

	if s.failure != nil {
		return bus.NewServiceError(method, s.failure)
	}

	return nil
}

func (s *Service) discover(path dbus.ObjectPath, args []any) (uint32, error) {
	if path != s.objects.Root {
		return 0, unknownObject(path)
	}

	if len(args) != 3 {
		return 0, invalidArgs("Discover expects 3 arguments")
	}

	address, okAddress := args[0].(string)
	port, okPort := args[1].(uint32)

	_, okOptions := args[2].(map[string]dbus.Variant)
	if !okAddress || !okPort || !okOptions {
		return 0, invalidArgs("invalid Discover arguments")
	}

	targets, ok := s.portals[portalKey(address, port)]
	if !ok {
		return 1, nil
	}

	for _, target := range targets {
		if s.hasNode(address, port, target) {
			continue
		}

		node := api.ISCSINode{
			ID:        s.nextID,
			Target:    target,
			Address:   address,
			Port:      port,
			Interface: "default",
			Startup:   api.ISCSINodeStartupManual,
		}

		s.nextID++
		s.nodes[node.ID] = node

		s.emit(&dbus.Signal{
			Sender: s.objects.Service,
			Path:   s.objects.Root,
			Name:   bus.ObjectManagerInterface + ".InterfacesAdded",
			Body: []any{
				s.objects.NodePath(node.ID),
				map[string]map[string]dbus.Variant{s.objects.NodeInterface(): nodeProperties(node)},
			},
		})
	}

	return 0, nil
}

func (s *Service) delete(path dbus.ObjectPath, args []any) (uint32, error) {
	if path != s.objects.Root {
		return 0, unknownObject(path)
	}

	if len(args) != 1 {
		return 0, invalidArgs("Delete expects 1 argument")
	}

	nodePath, ok := args[0].(dbus.ObjectPath)
	if !ok {
		return 0, invalidArgs("Delete expects an object path")
	}

	node, err := s.node(nodePath)
	if err != nil {
		return 0, err
	}

	if node.Connected {
		return 1, nil
	}

	delete(s.nodes, node.ID)

	s.emit(&dbus.Signal{
		Sender: s.objects.Service,
		Path:   s.objects.Root,
		Name:   bus.ObjectManagerInterface + ".InterfacesRemoved",
		Body:   []any{nodePath, []string{s.objects.NodeInterface()}},
	})

	return 0, nil
}

func (s *Service) login(path dbus.ObjectPath, args []any) (uint32, error) {
	node, err := s.node(path)
	if err != nil {
		return 0, err
	}

	if len(args) != 1 {
		return 0, invalidArgs("Login expects 1 argument")
	}

	options, ok := args[0].(map[string]dbus.Variant)
	if !ok {
		return 0, invalidArgs("Login expects an options dictionary")
	}

	startup, _, _ := iscsi.Property[string](options, "Startup")

	_, ok = api.ISCSINodeStartups[api.ISCSINodeStartup(startup)]
	if !ok {
		return 1, nil
	}

	if node.Connected || !s.authorized(options) {
		return 2, nil
	}

	node.Connected = true
	node.Startup = api.ISCSINodeStartup(startup)
	s.nodes[node.ID] = node

	s.emit(propertiesChanged(path, s.objects.NodeInterface(), map[string]dbus.Variant{
		iscsi.PropConnected: dbus.MakeVariant(true),
		iscsi.PropStartup:   dbus.MakeVariant(startup),
	}))

	return 0, nil
}

func (s *Service) logout(path dbus.ObjectPath) (uint32, error) {
	node, err := s.node(path)
	if err != nil {
		return 0, err
	}

	if !node.Connected {
		return 1, nil
	}

	node.Connected = false
	s.nodes[node.ID] = node

	s.emit(propertiesChanged(path, s.objects.NodeInterface(), map[string]dbus.Variant{
		iscsi.PropConnected: dbus.MakeVariant(false),
	}))

	return 0, nil
}

func (s *Service) authorized(options map[string]dbus.Variant) bool {
	if s.credentials == nil {
		return true
	}

	for key, expected := range map[string]string{
		"Username":        s.credentials.Username,
		"Password":        s.credentials.Password,
		"ReverseUsername": s.credentials.ReverseUsername,
		"ReversePassword": s.credentials.ReversePassword,
	} {
		value, _, _ := iscsi.Property[string](options, key)
		if value != expected {
			return false
		}
	}

	return true
}

func (s *Service) hasNode(address string, port uint32, target string) bool {
	for _, node := range s.nodes {
		if node.Address == address && node.Port == port && node.Target == target {
			return true
		}
	}

	return false
}

func (s *Service) node(path dbus.ObjectPath) (api.ISCSINode, error) {
	id, err := s.objects.NodeID(path)
	if err != nil {
		return api.ISCSINode{}, unknownObject(path)
	}

	node, ok := s.nodes[id]
	if !ok {
		return api.ISCSINode{}, unknownObject(path)
	}

	return node, nil
}

func (s *Service) initiatorProperties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		iscsi.PropInitiatorName: dbus.MakeVariant(s.initiator.Name),
		iscsi.PropIBFT:          dbus.MakeVariant(s.initiator.IBFT),
	}
}

// emit must be called with the lock held.
func (s *Service) emit(sig *dbus.Signal) {
	if sig.Sender == "" {
		sig.Sender = s.objects.Service
	}

	for _, sub := range s.subscribers {
		if !sub.rule.Matches(sig) {
			continue
		}

		select {
		case sub.ch <- sig:
		case <-sub.done:
		}
	}
}

func nodeProperties(node api.ISCSINode) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		iscsi.PropTarget:    dbus.MakeVariant(node.Target),
		iscsi.PropAddress:   dbus.MakeVariant(node.Address),
		iscsi.PropPort:      dbus.MakeVariant(node.Port),
		iscsi.PropInterface: dbus.MakeVariant(node.Interface),
		iscsi.PropIBFT:      dbus.MakeVariant(node.IBFT),
		iscsi.PropStartup:   dbus.MakeVariant(string(node.Startup)),
		iscsi.PropConnected: dbus.MakeVariant(node.Connected),
	}
}

func propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: bus.PropertiesInterface + ".PropertiesChanged",
		Body: []any{iface, changed, []string{}},
	}
}

func portalKey(address string, port uint32) string {
	return fmt.Sprintf("%s:%d", address, port)
}

func unknownObject(path dbus.ObjectPath) error {
	return dbus.Error{Name: ErrUnknownObject, Body: []any{fmt.Sprintf("unknown object %q", path)}}
}

func invalidArgs(msg string) error {
	return dbus.Error{Name: ErrInvalidArgs, Body: []any{msg}}
}
