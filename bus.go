package dbus

import (
	"context"
	"fmt"
	"time"
)

// Flags for [Conn.RequestName].
const (
	NameFlagAllowReplacement uint32 = 1 << iota
	NameFlagReplaceExisting
	NameFlagDoNotQueue
)

// Reply codes from [Conn.RequestName].
const (
	NameReplyPrimaryOwner uint32 = iota + 1
	NameReplyInQueue
	NameReplyExists
	NameReplyAlreadyOwner
)

// busCall performs one method call on the bus driver and waits for
// its reply, pumping the connection itself so that callers do not
// need a running [Conn.Process] loop.
func (c *Conn) busCall(ctx context.Context, member MemberName, body ...Value) (*Message, error) {
	m, err := NewMethodCall(busPath, member)
	if err != nil {
		return nil, err
	}
	m.Interface = busIface
	m.Destination = busPeer
	if err := m.SetBody(body...); err != nil {
		return nil, err
	}
	p, err := c.Call(m, 25*time.Second)
	if err != nil {
		return nil, err
	}
	if err := c.pumpUntil(ctx, p.Done()); err != nil {
		p.Cancel()
		return nil, err
	}
	return p.Result()
}

// replyUint32 reads the single uint32 a few bus driver methods
// return.
func replyUint32(reply *Message) (uint32, error) {
	it := reply.Body().Iter()
	if !it.Next() {
		return 0, fmt.Errorf("%w: empty reply body", ErrInvalidProtocol)
	}
	return it.Single().Uint32()
}

// ListNames returns all names currently present on the bus, unique
// and well-known.
func (c *Conn) ListNames(ctx context.Context) ([]BusName, error) {
	reply, err := c.busCall(ctx, "ListNames")
	if err != nil {
		return nil, fmt.Errorf("listing bus names: %w", err)
	}
	it := reply.Body().Iter()
	if !it.Next() {
		return nil, fmt.Errorf("%w: empty ListNames reply", ErrInvalidProtocol)
	}
	arr, err := it.Single().Array()
	if err != nil {
		return nil, err
	}
	var ret []BusName
	for arr.Next() {
		s, err := arr.Single().String()
		if err != nil {
			return nil, err
		}
		name, err := ParseBusName(string(s))
		if err != nil {
			return nil, err
		}
		ret = append(ret, name)
	}
	return ret, arr.Err()
}

// NameHasOwner reports whether name currently has an owner on the
// bus.
func (c *Conn) NameHasOwner(ctx context.Context, name BusName) (bool, error) {
	reply, err := c.busCall(ctx, "NameHasOwner", String(name))
	if err != nil {
		return false, fmt.Errorf("checking owner of %s: %w", name, err)
	}
	it := reply.Body().Iter()
	if !it.Next() {
		return false, fmt.Errorf("%w: empty NameHasOwner reply", ErrInvalidProtocol)
	}
	return it.Single().Bool()
}

// GetNameOwner returns the unique name of the current owner of name.
func (c *Conn) GetNameOwner(ctx context.Context, name BusName) (BusName, error) {
	reply, err := c.busCall(ctx, "GetNameOwner", String(name))
	if err != nil {
		return "", fmt.Errorf("getting owner of %s: %w", name, err)
	}
	it := reply.Body().Iter()
	if !it.Next() {
		return "", fmt.Errorf("%w: empty GetNameOwner reply", ErrInvalidProtocol)
	}
	s, err := it.Single().String()
	if err != nil {
		return "", err
	}
	return ParseBusName(string(s))
}

// RequestName asks the bus to assign the well-known name to this
// connection, with the given NameFlag bits. The returned code is one
// of the NameReply values.
func (c *Conn) RequestName(ctx context.Context, name BusName, flags uint32) (uint32, error) {
	reply, err := c.busCall(ctx, "RequestName", String(name), Uint32(flags))
	if err != nil {
		return 0, fmt.Errorf("requesting name %s: %w", name, err)
	}
	return replyUint32(reply)
}

// ReleaseName gives up a name previously acquired with
// [Conn.RequestName].
func (c *Conn) ReleaseName(ctx context.Context, name BusName) (uint32, error) {
	reply, err := c.busCall(ctx, "ReleaseName", String(name))
	if err != nil {
		return 0, fmt.Errorf("releasing name %s: %w", name, err)
	}
	return replyUint32(reply)
}
