package capture

// DisplayInfo describes a connected display.
type DisplayInfo struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	IsPrimary bool   `json:"isPrimary"`
}

// enumerateDisplays is swappable so lifecycle tests can run off-platform.
var enumerateDisplays = platformDisplayNames

// DisplayNames enumerates the available displays. The list is recomputed on
// every call; display hot-plug is reflected immediately.
func DisplayNames() ([]DisplayInfo, error) {
	return enumerateDisplays()
}

// DisplayName looks up the name of a single display. Returns
// ErrDisplayNotFound when the id is not currently valid.
func DisplayName(id uint32) (string, error) {
	displays, err := enumerateDisplays()
	if err != nil {
		return "", err
	}
	for _, d := range displays {
		if d.ID == id {
			return d.Name, nil
		}
	}
	return "", ErrDisplayNotFound
}
