// Package netron exposes Go values as remote contexts.
//
// A Node attaches contexts, each described by a Surface: an explicit table
// of methods and properties. Attaching produces a Definition with a
// generated id and a Stub that dispatches member access. Nodes connect over
// any duplex stream; each connection is a RemotePeer, and the node itself is
// reachable through the same Peer contract as an OwnPeer. Callers obtain an
// Interface with QueryInterface and must hand it back with
// ReleaseInterface.
package netron
