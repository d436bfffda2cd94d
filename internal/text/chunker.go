package text

// Chunk is one window of a source document. Start and End are character
// (rune) offsets into the original text, with End exclusive.
type Chunk struct {
	Text  string
	Start int
	End   int
}

// Split slices text into windows of chunkSize characters, each window
// starting chunkSize-overlap after the previous one. The final chunk always
// ends at the character length of text. Windows are measured in runes, never
// bytes, so a boundary cannot land mid-character and every chunk stays valid
// UTF-8. Splitting is deterministic: identical input yields identical
// boundaries, which keeps chunk hashes stable across re-ingestions.
func Split(text string, chunkSize, overlap int) []Chunk {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if chunkSize <= 0 {
		chunkSize = len(runes)
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	if len(runes) <= chunkSize {
		return []Chunk{{Text: text, Start: 0, End: len(runes)}}
	}

	step := chunkSize - overlap
	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end >= len(runes) {
			chunks = append(chunks, Chunk{Text: string(runes[start:]), Start: start, End: len(runes)})
			break
		}
		chunks = append(chunks, Chunk{Text: string(runes[start:end]), Start: start, End: end})
	}
	return chunks
}
