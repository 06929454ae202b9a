package coordinator

import "github.com/mcdev12/blindtasting/go/internal/models"

// Binding says how a device was matched to a player.
type Binding int

const (
	Unbound Binding = iota
	// BoundByDevice: a player record already carries this device id.
	BoundByDevice
	// BoundByStoredID: the player id remembered for the session on this device.
	BoundByStoredID
	// BoundByName: an unassigned non-host player with the same normalized name.
	BoundByName
	// BoundByNewPlayer: no match, and the permissive policy added a player.
	BoundByNewPlayer
)

func (b Binding) String() string {
	switch b {
	case BoundByDevice:
		return "device"
	case BoundByStoredID:
		return "stored_id"
	case BoundByName:
		return "name"
	case BoundByNewPlayer:
		return "new_player"
	default:
		return "unbound"
	}
}

// resolvePlayer binds a device to a player of g. The name step is skipped
// when name is empty, which is the case on restore.
func resolvePlayer(g *models.Game, deviceID, storedID, name string) (*models.Player, Binding) {
	if g == nil {
		return nil, Unbound
	}
	if p, ok := g.PlayerByDevice(deviceID); ok {
		return p, BoundByDevice
	}
	if storedID != "" {
		if p, ok := g.Player(storedID); ok {
			return p, BoundByStoredID
		}
	}
	if name == "" {
		return nil, Unbound
	}
	want := models.NormalizeName(name)
	for i := range g.Players {
		p := &g.Players[i]
		if p.IsHost || models.NormalizeName(p.Name) != want {
			continue
		}
		if p.DeviceID == "" || p.DeviceID == deviceID {
			return p, BoundByName
		}
	}
	return nil, Unbound
}

// claimDevice points p at deviceID and frees the id from any other player.
// It returns the ids of the players it changed.
func claimDevice(g *models.Game, playerID, deviceID string) (touched []string) {
	for i := range g.Players {
		p := &g.Players[i]
		switch {
		case p.ID == playerID:
			p.DeviceID = deviceID
			p.IsConnected = true
		case p.DeviceID == deviceID:
			p.DeviceID = ""
			p.IsConnected = false
		default:
			continue
		}
		touched = append(touched, p.ID)
	}
	return touched
}
