// Package tunnelrpc defines the wire surface between holepunchd and the
// holepunch client: the User and Tunnel gRPC services, their message
// schemas, and the codec the two sides agree on.
//
// The schema is documented in tunnel.proto. The service descriptors and
// stubs here are maintained by hand in the shape protoc-gen-go-grpc
// emits, and messages travel as JSON through a registered gRPC codec
// (see codec.go) rather than protobuf binary. Both binaries import this
// package, which registers the codec on each side; clients must request
// it per call or per connection:
//
//	conn, err := grpc.NewClient(addr,
//	    grpc.WithTransportCredentials(insecure.NewCredentials()),
//	    grpc.WithDefaultCallOptions(grpc.CallContentSubtype(tunnelrpc.CodecName)),
//	)
package tunnelrpc
