// Package sockethub provides a Socket.IO v4 server that can run as a fleet of
// instances coordinating over a publish-subscribe bus.
//
// Each instance owns the sockets connected to it. With a cluster adapter,
// broadcasts, socket queries, forced disconnects and server-side events
// reach every instance; without one, the in-memory adapter keeps everything
// local.
//
// # Features
//
//   - Socket.IO v4 protocol over Engine.IO v4 websockets
//   - Namespaces with a CONNECT handshake and auth payload
//   - Rooms, with every socket in a room named after its ID
//   - Event acknowledgments
//   - Cluster-wide broadcast, FetchSockets and DisconnectSockets
//   - Server-side events between instances
//
// # Quick Start
//
//	server, err := sockethub.NewServer(nil)
//	if err != nil {
//	    return err
//	}
//
//	server.OnConnect(func(socket *sockethub.Socket) {
//	    socket.On("message", func(data ...interface{}) {
//	        socket.Emit("response", "Message received!")
//	    })
//	})
//
//	http.Handle("/socket.io/", server)
//
// # Clustering
//
// Give the server an adapter factory bound to a Bus. natsbus provides one on
// NATS, membus one in process:
//
//	bus, err := natsbus.Connect(ctx, "nats://localhost:4222", natsbus.Options{Name: "api"})
//	server, err := sockethub.NewServer(&sockethub.Config{
//	    Adapter: sockethub.NewClusterAdapterFactory(bus, sockethub.ClusterConfig{Prefix: "api"}),
//	})
//
// Broadcasts then reach sockets on every instance:
//
//	server.To("room1").Except(socket.ID()).Emit("news", "Hello others!")
//
//	sockets, err := server.Default().FetchSockets(ctx, "room1")
//	for _, s := range sockets {
//	    s.Disconnect()
//	}
//
// Cluster queries wait for every live peer or ClusterConfig.RequestTimeout,
// whichever comes first, and return what they collected.
//
// # Thread Safety
//
// All operations are goroutine-safe. Event handlers are called in separate
// goroutines, allowing concurrent processing of events.
package sockethub
