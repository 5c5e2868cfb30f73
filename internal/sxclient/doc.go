// Package sxclient is the per-channel service client: it sends notifications
// and proposals, runs the select/confirm handshake, manages mbus membership
// and delivers subscribed records to application callbacks.
package sxclient
