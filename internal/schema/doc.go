// Package schema describes collections and validates attribute maps at the
// edge of the mutation path.
//
// Schemas are declared in CUE:
//
//	collections: {
//		messages: fields: {
//			id:        {type: "id"}
//			chatId:    {type: "string", index: true}
//			text:      {type: "string"}
//			createdAt: {type: "date", default: "now"}
//		}
//	}
//
// Loosely-typed attributes are checked against the declared field types
// before anything reaches the store; internal code never duck-types.
package schema
