package reconcile

import "github.com/folioreader/folio/pkg/models"

// PositionConflict describes a discarded server echo for the current device
// whose progress differs from the local value. The engine publishes it as an
// event; nothing in the engine acts on it automatically.
type PositionConflict struct {
	DeviceID       string
	LocalProgress  float64
	ServerProgress float64
	// Delta is server minus local: negative means the server echo was
	// behind the local position.
	Delta float64
}

// DetectConflict reports whether merging would discard a server entry for
// the current device that disagrees with the local one.
func DetectConflict(local *models.Book, server ServerState, currentDeviceID string) *PositionConflict {
	serverPos, ok := server.Positions[currentDeviceID]
	if !ok {
		return nil
	}
	localPos := local.PositionFor(currentDeviceID)
	if localPos == nil || localPos.Equal(serverPos) {
		return nil
	}

	return &PositionConflict{
		DeviceID:       currentDeviceID,
		LocalProgress:  localPos.Progress,
		ServerProgress: serverPos.Progress,
		Delta:          serverPos.Progress - localPos.Progress,
	}
}
