// Package formats parses the map files terrain is streamed from: GAT
// altitude tables and GND ground meshes.
package formats
