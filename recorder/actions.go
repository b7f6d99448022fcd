package recorder

// DefaultActionIDs maps action names to the numeric identifiers understood by
// the action repository contract. Ids are sequential starting at 1; the order
// below is part of the contract and must not be reshuffled.
func DefaultActionIDs() map[string]uint8 {
	names := []string{
		"CONSUMABLES_USE",
		"CONSUMABLES_BUY",
		"RUB",
		"SHOWER",
		"SLEEP",
		"THROWBALL",
		"ACCESSORY_USE",
		"ACCESSORY_BUY",
		"HOTEL_CHECK_IN",
		"HOTEL_CHECK_OUT",
		"HOTEL_BUY",
		"WITHDRAWAL_CREATE",
		"WITHDRAWAL_QUEUE",
		"WITHDRAWAL_JUMP",
		"WITHDRAWAL_USE",
		"TRANSFER",
		"DEPOSIT",
	}

	ids := make(map[string]uint8, len(names))
	for i, name := range names {
		ids[name] = uint8(i + 1)
	}

	return ids
}
