package dag

// Preference query wire format: the query is the 32-byte vertex id, the
// reply appends a one-byte answer.

// EncodePreferenceQuery encodes a query for one vertex.
func EncodePreferenceQuery(id VertexID) []byte {
	out := make([]byte, 32)
	copy(out, id[:])
	return out
}

// DecodePreferenceQuery parses a preference query.
func DecodePreferenceQuery(data []byte) (VertexID, error) {
	var id VertexID
	if len(data) != 32 {
		return id, ErrMalformed
	}
	copy(id[:], data)
	return id, nil
}

// EncodePreferenceReply encodes a reply carrying the answered vertex id.
func EncodePreferenceReply(id VertexID, a Answer) []byte {
	out := make([]byte, 33)
	copy(out, id[:])
	out[32] = byte(a)
	return out
}

// DecodePreferenceReply parses a preference reply.
func DecodePreferenceReply(data []byte) (VertexID, Answer, error) {
	var id VertexID
	if len(data) != 33 || data[32] > byte(AnswerUnknown) {
		return id, AnswerUnknown, ErrMalformed
	}
	copy(id[:], data)
	return id, Answer(data[32]), nil
}
