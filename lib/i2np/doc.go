// Package i2np implements the tunnel build messages of the I2P Network
// Protocol: TunnelBuild, VariableTunnelBuild and ShortTunnelBuild with their
// replies.
//
// A build message is an ordered list of encrypted records, one slot per hop
// plus random filler. Each record is encrypted to its hop with the Noise N
// pattern over X25519 and ChaCha20-Poly1305. The creator then pre-decrypts
// every slot with the layers of the hops that process the message before the
// slot's owner, so each hop finds its record readable when its turn comes.
//
// On the hop side BuildRequestProcessor locates the record by the truncated
// router hash, rejects replays, and Respond writes the sealed reply into the
// hop's slot while adding the hop's layer to every other slot. The creator
// unwinds those layers with DecryptReply.
//
// Long records (528 bytes) carry the layer and reply keys and wrap slots with
// AES-256-CBC. Short records (218 bytes) derive all keys from the handshake
// and wrap slots with ChaCha20 keyed per slot.
package i2np
