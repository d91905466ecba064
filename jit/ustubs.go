/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package jit

import "fmt"

// UniqueStubs are the shared entry points generated code and handlers
// return to when there is no translation to go to.
type UniqueStubs struct {
	// InterpHelperSyncedPC interprets from the already synced vm pc.
	InterpHelperSyncedPC TCA
	// FCallHelperThunk finishes entering a callee frame in the runtime,
	// then resumes at the callee's entry. Also the redispatch target of
	// func guards.
	FCallHelperThunk TCA
	// ResumeHelper resumes at the vm pc through HandleResume.
	ResumeHelper TCA
	// CallToExit leaves the translation cache.
	CallToExit TCA
	// FCallAwaitSuspendHelper suspends the current stack after an awaited call.
	FCallAwaitSuspendHelper TCA
	// BindCallStub and ImmutableBindCallStub are the initial targets of
	// call sites; they call HandleBindCall for the site.
	BindCallStub          TCA
	ImmutableBindCallStub TCA

	names map[TCA]string
}

const uniqueStubSize = 32

// emitUniqueStubs emits every unique stub into the stubs section and
// registers it in the address index.
func emitUniqueStubs(d Decoder, code *CodeCache) (UniqueStubs, error) {
	var us UniqueStubs
	us.names = make(map[TCA]string)
	for _, s := range []struct {
		name string
		dst  *TCA
	}{
		{"interpHelperSyncedPC", &us.InterpHelperSyncedPC},
		{"fcallHelperThunk", &us.FCallHelperThunk},
		{"resumeHelper", &us.ResumeHelper},
		{"callToExit", &us.CallToExit},
		{"fcallAwaitSuspendHelper", &us.FCallAwaitSuspendHelper},
		{"bindCallStub", &us.BindCallStub},
		{"immutableBindCallStub", &us.ImmutableBindCallStub},
	} {
		w, err := code.Stubs.Writer(uniqueStubSize)
		if err != nil {
			return us, fmt.Errorf("emit unique stub %s: %w", s.name, err)
		}
		for w.Remaining() > 0 {
			d.EmitTrap(w)
		}
		*s.dst = w.Start
		us.names[w.Start] = s.name
		code.Register(CodeRange{Start: w.Start, Size: uniqueStubSize, Kind: OwnerUniqueStub, Name: s.name})
	}
	return us, nil
}

// Name returns the stub's name or "" if a is not a unique stub entry.
func (us *UniqueStubs) Name(a TCA) string {
	return us.names[a]
}

// IsUniqueStub reports whether a is the entry of a unique stub.
func (us *UniqueStubs) IsUniqueStub(a TCA) bool {
	_, ok := us.names[a]
	return ok
}
