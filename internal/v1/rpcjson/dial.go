package rpcjson

import "google.golang.org/grpc"

// CallOptions returns the per-call options that select this codec. Pass
// these to every Invoke/NewStream call a hand-written client makes.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(Name)}
}

// DialOption installs this codec as the connection's default, so callers
// that forget CallOptions on an individual call still negotiate JSON
// rather than falling back to the grpc-default proto codec (which would
// fail to find a registered proto.Message implementation for plain
// structs).
func DialOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Name))
}
