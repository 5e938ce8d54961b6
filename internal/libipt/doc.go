// Package libipt implements the ipt engine interfaces on top of Intel's
// libipt (version 2.1 or later) through cgo.
//
// The binding is only compiled with the libipt build tag on linux/amd64 and
// links against -lipt. Without the tag the package provides no engine and
// Available reports false.
package libipt
