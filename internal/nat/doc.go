// Package nat programs natgate's port mappings into the kernel through
// iptables. Enable prepares a dedicated DNAT chain in the nat table, hooks it
// from PREROUTING and masquerades the access point subnet; Add and Remove then
// append and delete one DNAT rule per (protocol, external port) pair inside
// that chain.
package nat
