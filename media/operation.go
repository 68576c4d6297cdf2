package media

// Operation is one of the closed set of transformations a job can request.
type Operation string

const (
	OpSpeed            Operation = "speed"
	OpCompress         Operation = "compress"
	OpExtractAudio     Operation = "extract_audio"
	OpRemoveAudio      Operation = "remove_audio"
	OpConvert          Operation = "convert"
	OpThumbnail        Operation = "thumbnail"
	OpTrim             Operation = "trim"
	OpConcat           Operation = "concat"
	OpGif              Operation = "gif"
	OpFilter           Operation = "filter"
	OpExtractSubtitles Operation = "extract_subtitles"
	OpBurnSubtitles    Operation = "burn_subtitles"
)

var Operations = []Operation{
	OpSpeed,
	OpCompress,
	OpExtractAudio,
	OpRemoveAudio,
	OpConvert,
	OpThumbnail,
	OpTrim,
	OpConcat,
	OpGif,
	OpFilter,
	OpExtractSubtitles,
	OpBurnSubtitles,
}

func ParseOperation(s string) (Operation, bool) {
	for _, op := range Operations {
		if string(op) == s {
			return op, true
		}
	}
	return "", false
}

// RequiresDurationHint reports whether the synthesizer wants the staged
// input's duration for this operation.
func (op Operation) RequiresDurationHint() bool {
	return op == OpThumbnail
}

// MultiInput reports whether the operation consumes more than one staged
// input.
func (op Operation) MultiInput() bool {
	return op == OpConcat
}
