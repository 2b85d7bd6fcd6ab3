package imap

// ChunkUIDs splits uids (already sorted ascending by SearchUIDsSince) into
// batches of at most size, so a single UID FETCH never requests more than
// the configured batch size at once.
func ChunkUIDs(uids []uint32, size int) [][]uint32 {
	if size < 1 {
		size = 1
	}
	var batches [][]uint32
	for i := 0; i < len(uids); i += size {
		end := i + size
		if end > len(uids) {
			end = len(uids)
		}
		batches = append(batches, uids[i:end])
	}
	return batches
}
