package portmap

import "errors"

var (
	// ErrTableFull is returned by Add when every slot is occupied. The table is left unchanged.
	ErrTableFull = errors.New("port map table is full")

	// ErrInvalidLength reports a persisted blob whose size does not match Capacity records.
	ErrInvalidLength = errors.New("persisted port map table has invalid length")

	// ErrInvalidRule reports a rule that cannot be programmed into the NAT engine.
	ErrInvalidRule = errors.New("invalid port map rule")
)
