package emulator

import (
	"encoding/binary"
	"math/bits"
)

// Fixed memory offsets read from Emulator.GetMemory(). These describe where
// the driver looks for game state in the console's address space; the
// values are the driver's own table, not part of the Emulator interface.
const (
	offBadges       = 0xD356
	offMapID        = 0xD35E
	offPlayerX      = 0xD361
	offPlayerY      = 0xD362
	offPartyCount   = 0xD163
	offPartySpecies = 0xD164
	offPartyData    = 0xD16B
	offMoney        = 0xD347

	maxPartySize = 6
	partyStride  = 44

	partyLevelOffset = 33
	partyCurHPOffset = 34
	partyMaxHPOffset = 36
)

// mapNames translates the raw map id byte into a human-readable location.
// Unknown ids fall back to "Unknown Location" rather than an error, since a
// sparse table is expected to miss ids for maps nobody has visited yet.
var mapNames = map[uint8]string{
	0:  "Pallet Town",
	1:  "Viridian City",
	2:  "Pewter City",
	3:  "Cerulean City",
	4:  "Lavender Town",
	5:  "Vermilion City",
	6:  "Celadon City",
	7:  "Fuchsia City",
	8:  "Cinnabar Island",
	9:  "Indigo Plateau",
	10: "Saffron City",
}

// internalToCanonicalSpecies maps the cartridge's internal species index
// (order species appear in the ROM's data tables) to a canonical species id
// (national Pokedex-style ordering) stable across games. Species with no
// entry pass through unchanged.
var internalToCanonicalSpecies = map[uint8]uint8{
	1: 112, // Rhydon
	2: 115, // Kangaskhan
	3: 32,  // Nidoran♂
	4: 35,  // Clefairy
	5: 21,  // Spearow
	6: 100, // Voltorb
}

// PartyMember is one slot of the player's party.
type PartyMember struct {
	Species   uint8
	CurrentHP uint16
	MaxHP     uint16
	Level     uint8
}

// GameState is a decoded snapshot of the emulator's game memory.
type GameState struct {
	Location   string
	MapID      uint8
	Badges     uint8
	BadgeCount int
	PlayerX    uint8
	PlayerY    uint8
	PartySize  int
	Party      [maxPartySize]PartyMember
	Money      uint32
}

// decodeGameState reads a GameState out of a raw memory snapshot. It
// tolerates a short memory slice by returning the zero value, since a
// mid-boot emulator may not yet have a full address space mapped.
func decodeGameState(mem []byte) GameState {
	if len(mem) < offPartyData+maxPartySize*partyStride {
		return GameState{}
	}

	badges := mem[offBadges]
	mapID := mem[offMapID]

	gs := GameState{
		Location:   locationName(mapID),
		MapID:      mapID,
		Badges:     badges,
		BadgeCount: bits.OnesCount8(badges),
		PlayerX:    mem[offPlayerX],
		PlayerY:    mem[offPlayerY],
		PartySize:  int(mem[offPartyCount]),
		Money:      decodeBCDMoney(mem[offMoney : offMoney+3]),
	}
	if gs.PartySize > maxPartySize {
		gs.PartySize = maxPartySize
	}

	for i := 0; i < gs.PartySize; i++ {
		internalSpecies := mem[offPartySpecies+i]
		slot := mem[offPartyData+i*partyStride : offPartyData+(i+1)*partyStride]
		gs.Party[i] = PartyMember{
			Species:   canonicalSpecies(internalSpecies),
			Level:     slot[partyLevelOffset],
			CurrentHP: binary.BigEndian.Uint16(slot[partyCurHPOffset : partyCurHPOffset+2]),
			MaxHP:     binary.BigEndian.Uint16(slot[partyMaxHPOffset : partyMaxHPOffset+2]),
		}
	}

	return gs
}

func locationName(mapID uint8) string {
	if name, ok := mapNames[mapID]; ok {
		return name
	}
	return "Unknown Location"
}

func canonicalSpecies(internal uint8) uint8 {
	if canonical, ok := internalToCanonicalSpecies[internal]; ok {
		return canonical
	}
	return internal
}

// decodeBCDMoney decodes three packed-BCD bytes into a 6-digit decimal
// amount, most-significant byte first.
func decodeBCDMoney(b []byte) uint32 {
	var total uint32
	for _, bb := range b {
		hi := (bb >> 4) & 0x0F
		lo := bb & 0x0F
		total = total*100 + uint32(hi)*10 + uint32(lo)
	}
	return total
}

// changed reports whether next differs from prev in any of the fields the
// driver broadcasts on: location, badge count, party count, money, or any
// per-slot HP.
func changed(prev, next GameState) bool {
	if prev.Location != next.Location {
		return true
	}
	if prev.BadgeCount != next.BadgeCount {
		return true
	}
	if prev.PartySize != next.PartySize {
		return true
	}
	if prev.Money != next.Money {
		return true
	}
	for i := 0; i < maxPartySize; i++ {
		if prev.Party[i].CurrentHP != next.Party[i].CurrentHP {
			return true
		}
		if prev.Party[i].MaxHP != next.Party[i].MaxHP {
			return true
		}
	}
	return false
}
