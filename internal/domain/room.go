package domain

import "strconv"

type (
	RoomID string
	// AudioRoom is the numeric room of the gateway's audiobridge plugin.
	AudioRoom int
)

func (r AudioRoom) String() string { return strconv.Itoa(int(r)) }
