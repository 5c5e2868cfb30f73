// Package node manages a node's registration with the directory service: the
// identity it is assigned, the keepalive loop and the commands the directory
// sends back. One Node is shared by every service client of a process.
package node
