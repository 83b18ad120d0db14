package test

import (
	"testing"

	"grpccore/client"
	"grpccore/codec"
	"grpccore/loadbalance"
	"grpccore/message"
	"grpccore/registry"
)

func setupBenchServerAndClient(b *testing.B) *client.Client {
	addr := startArithServer(b)

	reg := newMockRegistry()
	reg.Register("Arith", registry.ServiceInstance{Addr: addr, Weight: 10}, 10)

	return client.NewClient(reg, &loadbalance.RoundRobinBalancer{}, 8)
}

// BenchmarkSerialCall measures one goroutine issuing calls back to back.
func BenchmarkSerialCall(b *testing.B) {
	cli := setupBenchServerAndClient(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cli.Call("/Arith/Add", []byte("1,2")); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConcurrentCall measures many goroutines sharing one Client,
// exercising the ConnPool's contention path.
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBenchServerAndClient(b)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := cli.Call("/Arith/Add", []byte("1,2")); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkCodecJSON measures JSON metadata (de)serialization with no
// network involved.
func BenchmarkCodecJSON(b *testing.B) {
	cdc := codec.Get(codec.NameJSON)
	meta := message.Metadata{":path": {"/Arith/Add"}, "content-type": {"application/grpc+json"}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.EncodeMetadata(meta)
		_, _ = cdc.DecodeMetadata(data)
	}
}

// BenchmarkCodecBinary measures the hand-rolled binary codec's metadata
// (de)serialization for comparison against JSON.
func BenchmarkCodecBinary(b *testing.B) {
	cdc := codec.Get(codec.NameBinary)
	meta := message.Metadata{":path": {"/Arith/Add"}, "content-type": {"application/grpc+json"}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.EncodeMetadata(meta)
		_, _ = cdc.DecodeMetadata(data)
	}
}
