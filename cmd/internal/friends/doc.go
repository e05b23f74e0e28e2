// Package friends holds users and the friend graph that gates private chat.
//
// A friendship is directed: IsFriend(a, b) reports whether b is on a's list,
// matching the users.json export the graph was first loaded from.
package friends
