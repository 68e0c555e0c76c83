package ship

// Abi is the greeting sent as the first frame of every session, as text.
// It is a frozen description of the wire schema; clients parse it once and
// decode every later binary frame against it. Do not derive it from the Go
// types at runtime.
const Abi = `{
    "version": "eosio::abi/1.1",
    "structs": [
        {
            "name": "block_position", "fields": [
                { "name": "block_num", "type": "uint32" },
                { "name": "block_id", "type": "checksum256" }
            ]
        },
        {
            "name": "get_status_request_v0", "fields": []
        },
        {
            "name": "get_blocks_request_v0", "fields": [
                { "name": "start_block_num", "type": "uint32" },
                { "name": "end_block_num", "type": "uint32" },
                { "name": "max_messages_in_flight", "type": "uint32" },
                { "name": "have_positions", "type": "block_position[]" },
                { "name": "irreversible_only", "type": "bool" },
                { "name": "fetch_block", "type": "bool" },
                { "name": "fetch_traces", "type": "bool" },
                { "name": "fetch_deltas", "type": "bool" }
            ]
        },
        {
            "name": "get_blocks_ack_request_v0", "fields": [
                { "name": "num_messages", "type": "uint32" }
            ]
        },
        {
            "name": "get_status_result_v0", "fields": [
                { "name": "head", "type": "block_position" },
                { "name": "last_irreversible", "type": "block_position" },
                { "name": "chain_id", "type": "checksum256" },
                { "name": "trace_begin_block", "type": "uint32" },
                { "name": "trace_end_block", "type": "uint32" },
                { "name": "chain_state_begin_block", "type": "uint32" },
                { "name": "chain_state_end_block", "type": "uint32" }
            ]
        },
        {
            "name": "get_blocks_result_v0", "fields": [
                { "name": "head", "type": "block_position" },
                { "name": "last_irreversible", "type": "block_position" },
                { "name": "this_block", "type": "block_position?" },
                { "name": "prev_block", "type": "block_position?" },
                { "name": "block", "type": "bytes?" },
                { "name": "traces", "type": "bytes?" },
                { "name": "deltas", "type": "bytes?" }
            ]
        }
    ],
    "variants": [
        { "name": "request", "types": [ "get_status_request_v0", "get_blocks_request_v0", "get_blocks_ack_request_v0" ] },
        { "name": "result", "types": [ "get_status_result_v0", "get_blocks_result_v0" ] }
    ]
}`
